package rules

import (
	"fmt"

	"github.com/leakwatch/leakwatch/errs"
)

// condExpr is a condition tree evaluated against the set of fired pattern
// variables and the external variable table.
type condExpr interface {
	eval(st *evalState) bool
	check(c *checkCtx) error
}

// evalState carries per-item matching results into condition evaluation.
type evalState struct {
	fired  map[string]bool
	idents []string
	ext    map[string]string
}

// checkCtx carries compile-time validation context.
type checkCtx struct {
	rule   string
	idents map[string]bool
	ext    map[string]string
}

type anyOfThem struct{}

func (anyOfThem) eval(st *evalState) bool {
	for _, id := range st.idents {
		if st.fired[id] {
			return true
		}
	}
	return false
}

func (anyOfThem) check(c *checkCtx) error {
	if len(c.idents) == 0 {
		return condErr(c.rule, `"of them" requires a strings section`)
	}
	return nil
}

type allOfThem struct{}

func (allOfThem) eval(st *evalState) bool {
	for _, id := range st.idents {
		if !st.fired[id] {
			return false
		}
	}
	return len(st.idents) > 0
}

func (allOfThem) check(c *checkCtx) error {
	if len(c.idents) == 0 {
		return condErr(c.rule, `"of them" requires a strings section`)
	}
	return nil
}

type identRef struct {
	name string
}

func (r identRef) eval(st *evalState) bool { return st.fired[r.name] }

func (r identRef) check(c *checkCtx) error {
	if !c.idents[r.name] {
		return condErr(c.rule, fmt.Sprintf("condition references undefined string %s", r.name))
	}
	return nil
}

type notExpr struct {
	x condExpr
}

func (n notExpr) eval(st *evalState) bool { return !n.x.eval(st) }

func (n notExpr) check(c *checkCtx) error { return n.x.check(c) }

type andExpr struct {
	l, r condExpr
}

func (a andExpr) eval(st *evalState) bool { return a.l.eval(st) && a.r.eval(st) }

func (a andExpr) check(c *checkCtx) error {
	if err := a.l.check(c); err != nil {
		return err
	}
	return a.r.check(c)
}

type orExpr struct {
	l, r condExpr
}

func (o orExpr) eval(st *evalState) bool { return o.l.eval(st) || o.r.eval(st) }

func (o orExpr) check(c *checkCtx) error {
	if err := o.l.check(c); err != nil {
		return err
	}
	return o.r.check(c)
}

type boolLit struct {
	v bool
}

func (b boolLit) eval(*evalState) bool { return b.v }

func (boolLit) check(*checkCtx) error { return nil }

// extCmp compares an external variable against a string literal. The value
// seen at evaluation is the one captured by the last compile.
type extCmp struct {
	name   string
	value  string
	negate bool
}

func (e extCmp) eval(st *evalState) bool {
	got, ok := st.ext[e.name]
	eq := ok && got == e.value
	if e.negate {
		return !eq
	}
	return eq
}

func (e extCmp) check(c *checkCtx) error {
	if _, ok := c.ext[e.name]; !ok {
		return condErr(c.rule, fmt.Sprintf("condition references undefined external variable %q", e.name))
	}
	return nil
}

func condErr(rule, msg string) error {
	return errs.New("rules", errs.CodeConfig, errs.WithMessage("rule "+rule+": "+msg))
}

// Condition grammar, loosest binding first:
//
//	or    := and { "or" and }
//	and   := not { "and" not }
//	not   := "not" not | primary
//	primary := "(" or ")" | "any of them" | "all of them" | $ident |
//	           extvar ("==" | "!=") string | "true" | "false"

func (p *parser) parseOr() (condExpr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		m := p.mark()
		if !isIdentStart(p.peek()) {
			return left, nil
		}
		word, err := p.ident()
		if err != nil {
			return nil, err
		}
		if word != "or" {
			p.reset(m)
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{l: left, r: right}
	}
}

func (p *parser) parseAnd() (condExpr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		m := p.mark()
		if !isIdentStart(p.peek()) {
			return left, nil
		}
		word, err := p.ident()
		if err != nil {
			return nil, err
		}
		if word != "and" {
			p.reset(m)
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andExpr{l: left, r: right}
	}
}

func (p *parser) parseNot() (condExpr, error) {
	m := p.mark()
	if isIdentStart(p.peek()) {
		word, err := p.ident()
		if err != nil {
			return nil, err
		}
		if word == "not" {
			inner, err := p.parseNot()
			if err != nil {
				return nil, err
			}
			return notExpr{x: inner}, nil
		}
		p.reset(m)
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condExpr, error) {
	switch b := p.peek(); {
	case b == 0:
		return nil, p.errf("unexpected end of condition")
	case b == '(':
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return inner, nil
	case b == '$':
		p.pos++
		id, err := p.ident()
		if err != nil {
			return nil, err
		}
		return identRef{name: "$" + id}, nil
	case isIdentStart(b):
		word, err := p.ident()
		if err != nil {
			return nil, err
		}
		switch word {
		case "any", "all":
			if err := p.expectWord("of"); err != nil {
				return nil, err
			}
			if err := p.expectWord("them"); err != nil {
				return nil, err
			}
			if word == "any" {
				return anyOfThem{}, nil
			}
			return allOfThem{}, nil
		case "true":
			return boolLit{v: true}, nil
		case "false":
			return boolLit{v: false}, nil
		default:
			return p.parseExtCmp(word)
		}
	default:
		return nil, p.errf("unexpected %q in condition", string(b))
	}
}

func (p *parser) expectWord(want string) error {
	word, err := p.ident()
	if err != nil {
		return err
	}
	if word != want {
		return p.errf("expected %q, found %q", want, word)
	}
	return nil
}

func (p *parser) parseExtCmp(name string) (condExpr, error) {
	var negate bool
	switch p.peek() {
	case '=':
		if p.pos+1 >= len(p.src) || p.src[p.pos+1] != '=' {
			return nil, p.errf("expected == after %q", name)
		}
		p.pos += 2
	case '!':
		if p.pos+1 >= len(p.src) || p.src[p.pos+1] != '=' {
			return nil, p.errf("expected != after %q", name)
		}
		negate = true
		p.pos += 2
	default:
		return nil, p.errf("unexpected identifier %q in condition", name)
	}
	value, err := p.scanString()
	if err != nil {
		return nil, err
	}
	return extCmp{name: name, value: value, negate: negate}, nil
}
