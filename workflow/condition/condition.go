// Package condition implements the guard expressions attached to state
// transitions.
//
// The language is deliberately small: dotted paths rooted at results, event
// (alias data) or goal, string/number/bool/null literals, comparison
// operators, && || ! and parentheses, plus exists(path). Expressions are
// parsed once and evaluated against plain maps; nothing is executed.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Roots lists the variables an expression may reference.
var Roots = []string{"results", "event", "data", "goal"}

// Expr is a parsed condition.
type Expr struct {
	src  string
	root node
}

// Parse compiles src into an expression.
func Parse(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty condition")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("condition %q: unexpected %q at %d", src, p.peek().text, p.peek().pos)
	}
	return &Expr{src: src, root: n}, nil
}

// MustParse is Parse that panics; for tests and static tables.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the canonical form, used to detect duplicate guards.
func (e *Expr) String() string { return e.root.String() }

// Source returns the expression as written.
func (e *Expr) Source() string { return e.src }

// Eval evaluates the expression. Missing paths resolve to null; comparisons
// between mismatched types are false.
func (e *Expr) Eval(vars map[string]any) bool {
	return truthy(e.root.eval(vars))
}

// Vars builds the evaluation scope used by the runners.
func Vars(results, event, goal map[string]any) map[string]any {
	return map[string]any{
		"results": results,
		"event":   event,
		"data":    event,
		"goal":    goal,
	}
}

type node interface {
	eval(vars map[string]any) any
	String() string
}

type literal struct{ v any }

func (l literal) eval(map[string]any) any { return l.v }
func (l literal) String() string {
	switch v := l.v.(type) {
	case string:
		return strconv.Quote(v)
	case nil:
		return "null"
	default:
		return fmt.Sprint(v)
	}
}

type path struct{ p string }

func (p path) eval(vars map[string]any) any {
	v, _ := Lookup(vars, p.p)
	return v
}
func (p path) String() string { return p.p }

type exists struct{ p string }

func (e exists) eval(vars map[string]any) any {
	_, ok := Lookup(vars, e.p)
	return ok
}
func (e exists) String() string { return "exists(" + e.p + ")" }

type not struct{ x node }

func (n not) eval(vars map[string]any) any { return !truthy(n.x.eval(vars)) }
func (n not) String() string               { return "!(" + n.x.String() + ")" }

type binary struct {
	op   tokenKind
	text string
	l, r node
}

func (b binary) String() string {
	return "(" + b.l.String() + " " + b.text + " " + b.r.String() + ")"
}

func (b binary) eval(vars map[string]any) any {
	switch b.op {
	case tokAnd:
		return truthy(b.l.eval(vars)) && truthy(b.r.eval(vars))
	case tokOr:
		return truthy(b.l.eval(vars)) || truthy(b.r.eval(vars))
	}
	return compare(b.op, b.l.eval(vars), b.r.eval(vars))
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }
func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binary{op: op.kind, text: op.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binary{op: op.kind, text: op.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return not{x: x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	l, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		op := p.next()
		r, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return binary{op: op.kind, text: op.text, l: l, r: r}, nil
	}
	return l, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at %d", t.pos)
		}
		return n, nil
	case tokString:
		return literal{v: t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return literal{v: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null", "nil":
			return literal{v: nil}, nil
		case "exists":
			if p.next().kind != tokLParen {
				return nil, fmt.Errorf("exists at %d: expected '('", t.pos)
			}
			arg := p.next()
			if arg.kind != tokIdent {
				return nil, fmt.Errorf("exists at %d: expected path", t.pos)
			}
			if err := checkPath(arg.text); err != nil {
				return nil, err
			}
			if p.next().kind != tokRParen {
				return nil, fmt.Errorf("exists at %d: expected ')'", t.pos)
			}
			return exists{p: arg.text}, nil
		}
		if err := checkPath(t.text); err != nil {
			return nil, err
		}
		return path{p: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

func checkPath(p string) error {
	root, _, _ := strings.Cut(p, ".")
	for _, r := range Roots {
		if root == r {
			if strings.Contains(p, "..") || strings.HasSuffix(p, ".") {
				return fmt.Errorf("malformed path %q", p)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown variable %q (want one of %s)", root, strings.Join(Roots, ", "))
}
