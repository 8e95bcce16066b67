package epubpipe

import (
	"context"
	"regexp"
	"strings"
)

// styleOptimize rewrites style sheets: rules whose selectors only name
// classes that no markup document uses are dropped, comments are removed,
// and surviving declarations are canonicalized (one rule per line,
// lower-case property names, single-space separation, trailing
// semicolon). Only class selectors are considered for removal; element,
// id, and attribute selectors always survive.
type styleOptimize struct {
	pruneUnused bool
}

func newStyleOptimize(cfg *Config, spec FilterSpec) (Filter, error) {
	prune, err := optionBool(spec.Options, "prune-unused", true)
	if err != nil {
		return nil, err
	}
	return &styleOptimize{pruneUnused: prune}, nil
}

func (f *styleOptimize) Name() string { return FilterStyleOptimize }

func (f *styleOptimize) Apply(ctx context.Context, pkg *Package) error {
	store := pkg.Store()

	used := make(map[string]bool)
	if f.pruneUnused {
		for _, name := range store.List() {
			if !isMarkupPath(name) {
				continue
			}
			data, err := store.Get(name)
			if err != nil {
				return err
			}
			scanClassAttrs(data, used)
		}
	}

	for _, name := range store.List() {
		if !isStylePath(name) {
			continue
		}
		data, err := store.Get(name)
		if err != nil {
			return err
		}
		out := rewriteCSS(string(stripBOM(data)), used, f.pruneUnused)
		if out == string(data) {
			continue
		}
		if err := pkg.Cache().PutBytes(name, []byte(out)); err != nil {
			return err
		}
	}
	return nil
}

var cssCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)

// classOnlySelector matches a selector composed solely of one class name,
// the only selector shape safe to prune on usage evidence.
var classOnlySelector = regexp.MustCompile(`^\.[A-Za-z_][A-Za-z0-9_-]*$`)

// rewriteCSS rewrites one style sheet. Rules are dropped only when every
// selector in the group is a single-class selector naming an unused
// class. At-rules with nested bodies (@media, @supports) are rewritten
// recursively; other at-rules (@font-face, @import, @charset) pass
// through canonicalized but never pruned.
func rewriteCSS(src string, used map[string]bool, prune bool) string {
	src = cssCommentPattern.ReplaceAllString(src, "")
	var sb strings.Builder
	writeCSSBlock(&sb, src, used, prune, "")
	return sb.String()
}

func writeCSSBlock(sb *strings.Builder, src string, used map[string]bool, prune bool, indent string) {
	for len(src) > 0 {
		open := strings.IndexByte(src, '{')
		if open < 0 {
			// Trailing at-statements like @import/@charset.
			for _, stmt := range strings.Split(src, ";") {
				if s := collapseSpace(stmt); s != "" {
					sb.WriteString(indent + s + ";\n")
				}
			}
			return
		}
		selector := collapseSpace(src[:open])
		body, rest, ok := matchBrace(src[open:])
		if !ok {
			return
		}
		src = rest

		if selector == "" {
			continue
		}
		if strings.HasPrefix(selector, "@") && hasNestedRules(body) {
			sb.WriteString(indent + selector + " {\n")
			writeCSSBlock(sb, body, used, prune, indent+"  ")
			sb.WriteString(indent + "}\n")
			continue
		}
		if prune && !strings.HasPrefix(selector, "@") && selectorUnused(selector, used) {
			continue
		}
		decls := canonicalDeclarations(body)
		if decls == "" {
			continue
		}
		sb.WriteString(indent + selector + " { " + decls + " }\n")
	}
}

// matchBrace takes src starting at '{' and returns the brace body, the
// remainder after the matching '}', and whether the braces balanced.
func matchBrace(src string) (body, rest string, ok bool) {
	depth := 0
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[1:i], src[i+1:], true
			}
		}
	}
	return "", "", false
}

func hasNestedRules(body string) bool {
	return strings.IndexByte(body, '{') >= 0
}

// selectorUnused reports whether every selector in the comma-separated
// group is a single-class selector whose class no document uses.
func selectorUnused(group string, used map[string]bool) bool {
	for _, sel := range strings.Split(group, ",") {
		sel = strings.TrimSpace(sel)
		if !classOnlySelector.MatchString(sel) {
			return false
		}
		if used[sel[1:]] {
			return false
		}
	}
	return true
}

// canonicalDeclarations normalizes a rule body: one declaration per
// semicolon, lower-case property, single space after the colon.
func canonicalDeclarations(body string) string {
	var decls []string
	for _, d := range strings.Split(body, ";") {
		d = collapseSpace(d)
		if d == "" {
			continue
		}
		colon := strings.IndexByte(d, ':')
		if colon < 0 {
			continue
		}
		prop := strings.ToLower(strings.TrimSpace(d[:colon]))
		val := collapseSpace(d[colon+1:])
		if prop == "" || val == "" {
			continue
		}
		decls = append(decls, prop+": "+val+";")
	}
	return strings.Join(decls, " ")
}
