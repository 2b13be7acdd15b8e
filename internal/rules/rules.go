// Package rules compiles YARA-flavored rule files into a regexp-backed
// matching engine.
//
// The dialect covers what the pipeline needs: literal and regular expression
// patterns with nocase/fullword modifiers, tag lists, and conditions built
// from pattern references, any/all of them, boolean operators, and external
// variable comparisons. Patterns compile through regexp2 in RE2 mode with a
// match timeout so a pathological rule cannot stall the matcher.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/schema"
)

const (
	// matchTimeout bounds one pattern evaluation against one blob.
	matchTimeout = 5 * time.Second
	// parallelThreshold is the blob size above which rules are evaluated on
	// a worker pool instead of sequentially.
	parallelThreshold = 16 << 10
)

type compiledPattern struct {
	ident string
	re    *regexp2.Regexp
}

type compiledRule struct {
	name     string
	tags     []string
	idents   []string
	patterns []compiledPattern
	cond     condExpr
}

// Engine matches event content against the compiled rule set.
//
// An Engine is not safe for concurrent use. The matching consumer owns one
// instance and services rule updates between items, so Compile and Match
// never overlap.
type Engine struct {
	log     *zap.Logger
	paths   []string
	extVars map[string]string

	rules    []*compiledRule
	matchExt map[string]string
}

// NewEngine parses and compiles the rule files referenced by paths. Each
// path may be a glob; a pattern that resolves to no files is a configuration
// error.
func NewEngine(paths []string, extVars map[string]string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		log:     log,
		paths:   append([]string(nil), paths...),
		extVars: make(map[string]string, len(extVars)),
	}
	for k, v := range extVars {
		e.extVars[k] = v
	}
	if err := e.Compile(); err != nil {
		return nil, err
	}
	return e, nil
}

// AddRules extends or replaces the configured rule paths. The change takes
// effect immediately when recompile is set, otherwise on the next Compile.
func (e *Engine) AddRules(paths []string, appendPaths, recompile bool) error {
	if appendPaths {
		e.paths = append(e.paths, paths...)
	} else {
		e.paths = append([]string(nil), paths...)
	}
	if recompile {
		return e.Compile()
	}
	return nil
}

// SetExternalVars extends or replaces the external variable table. Values
// are captured by the next Compile, never by in-flight matching.
func (e *Engine) SetExternalVars(vars map[string]string, merge bool) {
	if !merge {
		e.extVars = make(map[string]string, len(vars))
	}
	for k, v := range vars {
		e.extVars[k] = v
	}
}

// RuleCount reports the number of rules in the active compiled set.
func (e *Engine) RuleCount() int { return len(e.rules) }

// Compile expands the configured paths, parses every rule file, and swaps in
// the freshly compiled set. On error the previously compiled rules stay
// active.
func (e *Engine) Compile() error {
	files, err := expandPaths(e.paths)
	if err != nil {
		return err
	}
	ext := make(map[string]string, len(e.extVars))
	for k, v := range e.extVars {
		ext[k] = v
	}
	var compiled []*compiledRule
	seen := make(map[string]string)
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return errs.New("rules", errs.CodeConfig,
				errs.WithMessage("reading rule file "+file), errs.WithCause(err))
		}
		specs, err := parseRules(file, src)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if prev, ok := seen[spec.Name]; ok {
				return errs.New("rules", errs.CodeConfig,
					errs.WithMessage(fmt.Sprintf("rule %s in %s already defined in %s", spec.Name, file, prev)))
			}
			seen[spec.Name] = file
			cr, err := compileRule(spec, ext)
			if err != nil {
				return err
			}
			compiled = append(compiled, cr)
		}
	}
	e.rules = compiled
	e.matchExt = ext
	e.log.Debug("rule engine compiled",
		zap.Int("rules", len(compiled)),
		zap.Int("files", len(files)))
	return nil
}

// Match evaluates every rule against data and returns one Match per
// satisfied rule, in rule definition order. A nil return means no rule
// fired.
func (e *Engine) Match(data []byte) []*schema.Match {
	if len(e.rules) == 0 || len(data) == 0 {
		return nil
	}
	content := string(data)
	results := make([]*schema.Match, len(e.rules))
	if len(data) >= parallelThreshold && len(e.rules) > 1 {
		p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0))
		for i, cr := range e.rules {
			p.Go(func() {
				results[i] = e.evalRule(cr, content)
			})
		}
		p.Wait()
	} else {
		for i, cr := range e.rules {
			results[i] = e.evalRule(cr, content)
		}
	}
	matches := make([]*schema.Match, 0, len(results))
	for _, m := range results {
		if m != nil {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	return matches
}

func (e *Engine) evalRule(cr *compiledRule, content string) *schema.Match {
	fired := make(map[string]bool, len(cr.patterns))
	var strs []schema.MatchedString
	for _, cp := range cr.patterns {
		m, err := cp.re.FindStringMatch(content)
		for m != nil && err == nil {
			fired[cp.ident] = true
			strs = append(strs, schema.NewMatchedString(cp.ident, []byte(m.String())))
			m, err = cp.re.FindNextMatch(m)
		}
		if err != nil {
			e.log.Warn("pattern evaluation aborted",
				zap.String("rule", cr.name),
				zap.String("pattern", cp.ident),
				zap.Error(err))
		}
	}
	st := &evalState{fired: fired, idents: cr.idents, ext: e.matchExt}
	if !cr.cond.eval(st) {
		return nil
	}
	return &schema.Match{Rule: cr.name, Tags: cr.tags, Strings: strs}
}

func compileRule(spec *ruleSpec, ext map[string]string) (*compiledRule, error) {
	cr := &compiledRule{
		name: spec.Name,
		tags: spec.Tags,
		cond: spec.Cond,
	}
	for _, ps := range spec.Strings {
		pattern := ps.Pattern
		if !ps.Regex {
			pattern = regexp2.Escape(pattern)
		}
		if ps.Full {
			pattern = `\b(?:` + pattern + `)\b`
		}
		var opts regexp2.RegexOptions = regexp2.RE2 | regexp2.Multiline
		if ps.Nocase {
			opts |= regexp2.IgnoreCase
		}
		if ps.DotAll {
			opts |= regexp2.Singleline
		}
		re, err := regexp2.Compile(pattern, opts)
		if err != nil {
			// RE2 mode rejects lookarounds and backreferences; those compile
			// in the default mode and stay bounded by the match timeout.
			re, err = regexp2.Compile(pattern, opts&^regexp2.RE2)
			if err != nil {
				return nil, errs.New("rules", errs.CodeConfig,
					errs.WithMessage(fmt.Sprintf("rule %s: pattern %s does not compile", spec.Name, ps.Ident)),
					errs.WithCause(err))
			}
		}
		re.MatchTimeout = matchTimeout
		cr.idents = append(cr.idents, ps.Ident)
		cr.patterns = append(cr.patterns, compiledPattern{ident: ps.Ident, re: re})
	}
	identSet := make(map[string]bool, len(cr.idents))
	for _, id := range cr.idents {
		identSet[id] = true
	}
	if err := spec.Cond.check(&checkCtx{rule: spec.Name, idents: identSet, ext: ext}); err != nil {
		return nil, err
	}
	return cr, nil
}

func expandPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errs.New("rules", errs.CodeConfig, errs.WithMessage("no rule files configured"))
	}
	var files []string
	seen := make(map[string]bool)
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			continue
		}
		hits, err := filepath.Glob(path)
		if err != nil {
			return nil, errs.New("rules", errs.CodeConfig,
				errs.WithMessage("invalid rule path pattern "+path), errs.WithCause(err))
		}
		matched := false
		for _, hit := range hits {
			info, err := os.Stat(hit)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			matched = true
			if !seen[hit] {
				seen[hit] = true
				files = append(files, hit)
			}
		}
		if !matched {
			return nil, errs.New("rules", errs.CodeConfig,
				errs.WithMessage("rule path "+path+" matches no files"))
		}
	}
	return files, nil
}
