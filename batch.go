package epubpipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// defaultWorkers bounds concurrent jobs when the config does not.
const defaultWorkers = 4

// Job is one unit of batch work: open a package, run the filter chain,
// run the protection phase, export.
type Job struct {
	// Name identifies the job in results and logs. Defaults to Input.
	Name string

	// Input is the source package: an archive file or an unpacked
	// directory.
	Input string

	// Output is the destination archive path. Empty skips the export
	// step; directory-backed jobs mutate the directory in place either
	// way.
	Output string

	// Filters overrides the orchestrator's chain for this job when
	// non-nil. An empty non-nil slice runs no filters.
	Filters []FilterSpec

	// Protection overrides the orchestrator's protection phase for this
	// job when non-nil.
	Protection *ProtectionConfig
}

// Result is the outcome of one job, reported in submission order.
type Result struct {
	// Name is the job's name.
	Name string

	// Err is nil on success. Failures carry the job's first error;
	// sibling jobs are unaffected.
	Err error

	// Warnings are the non-fatal package warnings collected while the
	// job ran.
	Warnings []string
}

// JobHandle allows cancelling a submitted job before it starts. An
// in-flight job always runs to completion or failure.
type JobHandle struct {
	cancelled atomic.Bool
}

// Cancel marks the job cancelled. A job cancelled before it starts is
// skipped with an ErrCancelled result; cancelling a started job has no
// effect.
func (h *JobHandle) Cancel() { h.cancelled.Store(true) }

type queuedJob struct {
	job    Job
	handle *JobHandle
}

// Orchestrator runs submitted jobs concurrently over a bounded worker
// pool and reports results in submission order. Jobs never share a
// Store or DocCache.
//
// Submit and RunAll must not be called concurrently; the usual shape is
// submit everything, then run once.
type Orchestrator struct {
	cfg   Config
	chain *Chain
	codec *Codec
	log   *slog.Logger
	queue []queuedJob
}

// NewOrchestrator validates cfg, builds the default chain from its
// filter specs, and returns an empty orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chain, err := NewChain(&cfg, cfg.Filters)
	if err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	return &Orchestrator{
		cfg:   cfg,
		chain: chain,
		codec: NewCodec(),
		log:   cfg.logger(),
	}, nil
}

// Submit enqueues a job and returns its handle. Jobs run when RunAll is
// called.
func (o *Orchestrator) Submit(job Job) *JobHandle {
	if job.Name == "" {
		job.Name = job.Input
	}
	handle := &JobHandle{}
	o.queue = append(o.queue, queuedJob{job: job, handle: handle})
	return handle
}

// RunAll drains the queue, running jobs concurrently up to the
// configured width, and returns results in submission order regardless
// of completion order. A job's failure is captured in its result and
// never aborts sibling jobs.
func (o *Orchestrator) RunAll(ctx context.Context) []Result {
	results := make([]Result, len(o.queue))
	sem := semaphore.NewWeighted(int64(o.cfg.Workers))
	var wg sync.WaitGroup

	for i, qj := range o.queue {
		wg.Add(1)
		go func(i int, qj queuedJob) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Name: qj.job.Name, Err: contextErr(err)}
				return
			}
			defer sem.Release(1)

			if qj.handle.cancelled.Load() || ctx.Err() != nil {
				o.log.Info("job skipped", "job", qj.job.Name)
				results[i] = Result{
					Name: qj.job.Name,
					Err:  fmt.Errorf("epubpipe: job %s: %w", qj.job.Name, ErrCancelled),
				}
				return
			}

			start := time.Now()
			o.log.Info("job started", "job", qj.job.Name)
			results[i] = o.runJob(ctx, qj.job)
			if results[i].Err != nil {
				o.log.Error("job failed", "job", qj.job.Name, "error", results[i].Err)
			} else {
				o.log.Info("job finished", "job", qj.job.Name, "elapsed", time.Since(start))
			}
		}(i, qj)
	}

	wg.Wait()
	o.queue = nil
	return results
}

// runJob executes one job with the per-job timeout applied and panics
// contained.
func (o *Orchestrator) runJob(ctx context.Context, job Job) (res Result) {
	res.Name = job.Name
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("epubpipe: job %s panicked: %v", job.Name, r)
		}
	}()

	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	res.Err = o.processJob(ctx, job, &res)
	return res
}

func (o *Orchestrator) processJob(ctx context.Context, job Job, res *Result) error {
	pkg, err := o.openInput(job.Input)
	if err != nil {
		return err
	}
	res.Warnings = pkg.Warnings()

	chain := o.chain
	if job.Filters != nil {
		chain, err = NewChain(&o.cfg, job.Filters)
		if err != nil {
			return err
		}
	}
	if err := chain.Run(ctx, pkg); err != nil {
		return err
	}

	protection := o.cfg.Protection
	if job.Protection != nil {
		protection = *job.Protection
	}
	switch protection.Mode {
	case ProtectionProtect:
		if err := o.codec.Protect(pkg.Store(), protection.Key); err != nil {
			return err
		}
	case ProtectionUnprotect:
		if err := o.codec.Unprotect(pkg.Store(), protection.Key); err != nil {
			return err
		}
	}

	if job.Output == "" {
		return nil
	}
	data, err := pkg.ExportBytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(job.Output, data, 0o644); err != nil {
		return fmt.Errorf("epubpipe: write %s: %v: %w", job.Output, err, ErrIO)
	}
	return nil
}

// openInput opens an archive file or an unpacked package directory.
func (o *Orchestrator) openInput(input string) (*Package, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("epubpipe: stat %s: %v: %w", input, err, ErrIO)
	}
	if info.IsDir() {
		return OpenDir(input)
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("epubpipe: read %s: %v: %w", input, err, ErrIO)
	}
	return Open(data)
}
