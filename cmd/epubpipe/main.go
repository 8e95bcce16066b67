// epubpipe cleans, sanitizes, and (un)protects ePub packages in batch.
//
// Usage:
//
//	epubpipe <command> [flags] <input>...
//
// Commands:
//
//	clean      run the full cleaning pipeline (repair, upgrade, scrub,
//	           normalize, optimize, layout)
//	sanitize   run only the repair/scrub/normalize filters
//	protect    scramble embedded fonts and images under a key
//	unprotect  reverse a previous protect run
//
// Inputs may be .epub archives or unpacked package directories.
// Directory inputs are rewritten in place; archive inputs need --output.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/akaishi-dev/epubpipe"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	platform   string
	filters    []string
	key        string
	jobs       int
	configPath string
	timeout    time.Duration
	output     string
	verbose    bool
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("no command given")
	}
	command := args[0]

	var opts cliOptions
	flags := pflag.NewFlagSet("epubpipe "+command, pflag.ContinueOnError)
	flags.StringVar(&opts.platform, "platform", "", "layout target: generic, duokan, zhangyue, kindle")
	flags.StringSliceVar(&opts.filters, "filters", nil, "comma-separated filter list overriding the command's pipeline")
	flags.StringVar(&opts.key, "key", "", "protection key (protect/unprotect)")
	flags.IntVar(&opts.jobs, "jobs", 0, "concurrent jobs (default 4)")
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-job timeout (e.g. 90s)")
	flags.StringVarP(&opts.output, "output", "o", "", "output file (single input) or directory")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.Usage = printUsage

	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	inputs := flags.Args()
	if len(inputs) == 0 {
		return errors.New("no input packages given")
	}

	cfg, err := resolveConfig(command, &opts)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	orch, err := epubpipe.NewOrchestrator(cfg)
	if err != nil {
		return err
	}
	for _, input := range inputs {
		output, err := outputPath(input, opts.output, len(inputs))
		if err != nil {
			return err
		}
		orch.Submit(epubpipe.Job{Input: input, Output: output})
	}

	results := orch.RunAll(context.Background())
	failed := 0
	for _, res := range results {
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "%s: warning: %s\n", res.Name, w)
		}
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", res.Name, res.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

// commandFilters maps each command to its filter pipeline.
func commandFilters(command string) ([]epubpipe.FilterSpec, string, error) {
	switch command {
	case "clean":
		return epubpipe.DefaultFilterSpecs(), epubpipe.ProtectionOff, nil
	case "sanitize":
		return []epubpipe.FilterSpec{
			{Name: epubpipe.FilterStructuralRepair},
			{Name: epubpipe.FilterPrivacyScrub},
			{Name: epubpipe.FilterMetadataNormalize},
		}, epubpipe.ProtectionOff, nil
	case "protect":
		return []epubpipe.FilterSpec{}, epubpipe.ProtectionProtect, nil
	case "unprotect":
		return []epubpipe.FilterSpec{}, epubpipe.ProtectionUnprotect, nil
	}
	return nil, "", fmt.Errorf("unknown command %q", command)
}

// resolveConfig layers the command defaults, the config file, and the
// flags into one Config.
func resolveConfig(command string, opts *cliOptions) (epubpipe.Config, error) {
	specs, protectionMode, err := commandFilters(command)
	if err != nil {
		return epubpipe.Config{}, err
	}

	cfg := epubpipe.DefaultConfig()
	cfg.Filters = specs
	cfg.Protection.Mode = protectionMode

	if opts.configPath != "" {
		cfg, err = epubpipe.LoadConfigFile(opts.configPath, cfg)
		if err != nil {
			return epubpipe.Config{}, err
		}
	}

	if opts.filters != nil {
		cfg.Filters = make([]epubpipe.FilterSpec, 0, len(opts.filters))
		for _, name := range opts.filters {
			cfg.Filters = append(cfg.Filters, epubpipe.FilterSpec{Name: strings.TrimSpace(name)})
		}
	}
	if opts.platform != "" {
		cfg.Platform = opts.platform
	}
	if opts.key != "" {
		cfg.Protection.Key = opts.key
	}
	if opts.jobs > 0 {
		cfg.Workers = opts.jobs
	}
	if opts.timeout > 0 {
		cfg.JobTimeout = opts.timeout
	}
	return cfg, nil
}

// outputPath picks the destination for one input. Directory inputs are
// rewritten in place and need no destination.
func outputPath(input, output string, inputCount int) (string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", input, err)
	}
	if info.IsDir() {
		if output != "" && inputCount == 1 {
			return output, nil
		}
		return "", nil
	}

	switch {
	case output == "":
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		return filepath.Join(filepath.Dir(input), base+".clean.epub"), nil
	case inputCount == 1 && !isDirectory(output):
		return output, nil
	default:
		return filepath.Join(output, filepath.Base(input)), nil
	}
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

const usageText = `epubpipe cleans, sanitizes, and protects ePub packages

Usage:
  epubpipe <command> [flags] <input>...

Commands:
  clean       full cleaning pipeline
  sanitize    repair + privacy scrub + metadata normalize
  protect     scramble fonts/images under --key
  unprotect   reverse a protect run

Flags:
  --platform string    layout target: generic, duokan, zhangyue, kindle
  --filters strings    override the command's filter pipeline
  --key string         protection key
  --jobs int           concurrent jobs (default 4)
  --config string      YAML config file
  --timeout duration   per-job timeout
  -o, --output string  output file (single input) or directory
  -v, --verbose        debug logging
`
