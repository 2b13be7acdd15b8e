package rules

import (
	"fmt"
	"strconv"

	"github.com/leakwatch/leakwatch/errs"
)

// ruleSpec is the parsed, uncompiled form of one rule block.
type ruleSpec struct {
	Name    string
	Tags    []string
	Strings []patternSpec
	Cond    condExpr
}

// patternSpec is one strings-section entry.
type patternSpec struct {
	Ident   string
	Pattern string
	Regex   bool
	Nocase  bool
	DotAll  bool
	Full    bool
}

type parser struct {
	file string
	src  []byte
	pos  int
	line int
}

type parserMark struct {
	pos, line int
}

func parseRules(file string, src []byte) ([]*ruleSpec, error) {
	p := &parser{file: file, src: src, line: 1}
	var specs []*ruleSpec
	for {
		p.skipSpace()
		if p.eof() {
			break
		}
		spec, err := p.rule()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, p.errf("no rules defined")
	}
	return specs, nil
}

func (p *parser) rule() (*ruleSpec, error) {
	kw, err := p.ident()
	if err != nil {
		return nil, err
	}
	if kw != "rule" {
		return nil, p.errf("expected rule declaration, found %q", kw)
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	spec := &ruleSpec{Name: name}
	if p.peek() == ':' {
		p.pos++
		for p.peek() != '{' {
			tag, err := p.ident()
			if err != nil {
				return nil, err
			}
			spec.Tags = append(spec.Tags, tag)
		}
	}
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	for {
		b := p.peek()
		if b == 0 {
			return nil, p.errf("rule %s: unterminated block", name)
		}
		if b == '}' {
			p.pos++
			break
		}
		sect, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		switch sect {
		case "meta":
			err = p.metaSection()
		case "strings":
			spec.Strings, err = p.stringsSection()
		case "condition":
			spec.Cond, err = p.parseOr()
		default:
			err = p.errf("rule %s: unknown section %q", name, sect)
		}
		if err != nil {
			return nil, err
		}
	}
	if spec.Cond == nil {
		return nil, p.errf("rule %s: missing condition section", name)
	}
	return spec, nil
}

// metaSection skips identifier = value entries. Metadata carries no matching
// semantics.
func (p *parser) metaSection() error {
	for {
		m := p.mark()
		b := p.peek()
		if b == 0 || b == '}' {
			return nil
		}
		if _, err := p.ident(); err != nil {
			return err
		}
		if p.peek() == ':' {
			p.reset(m)
			return nil
		}
		if err := p.expect('='); err != nil {
			return err
		}
		if err := p.skipMetaValue(); err != nil {
			return err
		}
	}
}

func (p *parser) skipMetaValue() error {
	switch b := p.peek(); {
	case b == '"':
		_, err := p.scanString()
		return err
	case b == '-' || (b >= '0' && b <= '9'):
		p.pos++
		for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		return nil
	default:
		word, err := p.ident()
		if err != nil {
			return err
		}
		if word != "true" && word != "false" {
			return p.errf("invalid meta value %q", word)
		}
		return nil
	}
}

func (p *parser) stringsSection() ([]patternSpec, error) {
	var entries []patternSpec
	for {
		if p.peek() != '$' {
			if len(entries) == 0 {
				return nil, p.errf("empty strings section")
			}
			return entries, nil
		}
		p.pos++
		id, err := p.ident()
		if err != nil {
			return nil, err
		}
		entry := patternSpec{Ident: "$" + id}
		if err := p.expect('='); err != nil {
			return nil, err
		}
		switch p.peek() {
		case '"':
			entry.Pattern, err = p.scanString()
		case '/':
			entry.Pattern, entry.Nocase, entry.DotAll, err = p.scanRegex()
			entry.Regex = true
		default:
			err = p.errf("pattern for %s must be a quoted string or /regex/", entry.Ident)
		}
		if err != nil {
			return nil, err
		}
		if err := p.modifiers(&entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}

// modifiers consumes trailing pattern keywords up to the next entry or
// section header.
func (p *parser) modifiers(entry *patternSpec) error {
	for {
		m := p.mark()
		if !isIdentStart(p.peek()) {
			return nil
		}
		word, err := p.ident()
		if err != nil {
			return err
		}
		if p.peek() == ':' {
			p.reset(m)
			return nil
		}
		switch word {
		case "nocase":
			entry.Nocase = true
		case "fullword":
			entry.Full = true
		case "ascii":
			// Byte patterns are the only representation, so this is the default.
		default:
			return p.errf("unsupported modifier %q on %s", word, entry.Ident)
		}
	}
}

func (p *parser) scanString() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var out []byte
	for {
		if p.eof() || p.src[p.pos] == '\n' {
			return "", p.errf("unterminated string literal")
		}
		b := p.src[p.pos]
		p.pos++
		if b == '"' {
			return string(out), nil
		}
		if b != '\\' {
			out = append(out, b)
			continue
		}
		if p.eof() {
			return "", p.errf("unterminated string literal")
		}
		esc := p.src[p.pos]
		p.pos++
		switch esc {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '"', '\\':
			out = append(out, esc)
		case 'x':
			if p.pos+2 > len(p.src) {
				return "", p.errf("truncated hex escape")
			}
			v, err := strconv.ParseUint(string(p.src[p.pos:p.pos+2]), 16, 8)
			if err != nil {
				return "", p.errf("invalid hex escape")
			}
			out = append(out, byte(v))
			p.pos += 2
		default:
			return "", p.errf("unsupported escape \\%c", esc)
		}
	}
}

// scanRegex reads a /pattern/ literal with optional trailing i and s flags.
// Escaped slashes are unescaped; every other escape passes through to the
// regexp compiler untouched.
func (p *parser) scanRegex() (string, bool, bool, error) {
	if err := p.expect('/'); err != nil {
		return "", false, false, err
	}
	var out []byte
	for {
		if p.eof() || p.src[p.pos] == '\n' {
			return "", false, false, p.errf("unterminated regular expression")
		}
		b := p.src[p.pos]
		p.pos++
		if b == '/' {
			break
		}
		if b == '\\' {
			if p.eof() {
				return "", false, false, p.errf("unterminated regular expression")
			}
			next := p.src[p.pos]
			p.pos++
			if next == '/' {
				out = append(out, '/')
			} else {
				out = append(out, '\\', next)
			}
			continue
		}
		out = append(out, b)
	}
	var nocase, dotall bool
	for !p.eof() && (p.src[p.pos] == 'i' || p.src[p.pos] == 's') {
		if p.src[p.pos] == 'i' {
			nocase = true
		} else {
			dotall = true
		}
		p.pos++
	}
	if len(out) == 0 {
		return "", false, false, p.errf("empty regular expression")
	}
	return string(out), nocase, dotall, nil
}

func (p *parser) ident() (string, error) {
	if !isIdentStart(p.peek()) {
		return "", p.errf("expected identifier")
	}
	start := p.pos
	for !p.eof() && isIdentByte(p.src[p.pos]) {
		p.pos++
	}
	return string(p.src[start:p.pos]), nil
}

// peek skips whitespace and comments, then reports the next byte without
// consuming it. Returns 0 at end of input.
func (p *parser) peek() byte {
	p.skipSpace()
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(b byte) error {
	if p.peek() != b {
		return p.errf("expected %q", string(b))
	}
	p.pos++
	return nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r':
			p.pos++
		case '\n':
			p.line++
			p.pos++
		case '/':
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '/' {
				for p.pos < len(p.src) && p.src[p.pos] != '\n' {
					p.pos++
				}
				continue
			}
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '*' {
				p.pos += 2
				for p.pos < len(p.src) {
					if p.src[p.pos] == '*' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/' {
						p.pos += 2
						break
					}
					if p.src[p.pos] == '\n' {
						p.line++
					}
					p.pos++
				}
				continue
			}
			return
		default:
			return
		}
	}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) mark() parserMark { return parserMark{pos: p.pos, line: p.line} }

func (p *parser) reset(m parserMark) { p.pos, p.line = m.pos, m.line }

func (p *parser) errf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errs.New("rules", errs.CodeConfig,
		errs.WithMessage(fmt.Sprintf("%s:%d: %s", p.file, p.line, msg)))
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentByte(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}
