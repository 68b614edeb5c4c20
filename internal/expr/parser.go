package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

type parser struct {
	src  string
	toks []token
	i    int
}

func parse(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, domain.SyntaxError{Expr: src, Pos: 0, Message: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseLogical()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		if t.kind == tokEOF {
			return t, p.errorf(t, "expected %s, got end of expression", what)
		}
		return t, p.errorf(t, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return domain.SyntaxError{Expr: p.src, Pos: t.pos, Message: fmt.Sprintf(format, args...)}
}

// logical := notExpr (('&' | '|') notExpr)*, with a single operator per level.
func (p *parser) parseLogical() (node, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokAnd && t.kind != tokOr {
		return first, nil
	}

	n := &logical{at: t.pos, op: t.text, operands: []node{first}}
	for {
		t := p.peek()
		if t.kind != tokAnd && t.kind != tokOr {
			break
		}
		if t.text != n.op {
			return nil, p.errorf(t, "mixing & and | requires parentheses")
		}
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		n.operands = append(n.operands, operand)
	}
	for _, operand := range n.operands {
		if c, ok := operand.(*compare); ok {
			return nil, domain.SyntaxError{Expr: p.src, Pos: c.at, Message: "comparisons combined with & or | must be parenthesised"}
		}
	}
	return n, nil
}

// notExpr := '~' notExpr | comparison
func (p *parser) parseNot() (node, error) {
	if t := p.peek(); t.kind == tokNot {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if _, ok := x.(*compare); ok {
			return nil, p.errorf(t, "negated comparisons must be parenthesised")
		}
		return &unary{at: t.pos, op: "~", x: x}, nil
	}
	return p.parseCompare()
}

// comparison := additive (cmpOp additive)?
func (p *parser) parseCompare() (node, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokCompare {
		return l, nil
	}
	p.next()
	r, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if nt := p.peek(); nt.kind == tokCompare {
		return nil, p.errorf(nt, "chained comparisons are not supported")
	}
	return &compare{at: t.pos, op: t.text, l: l, r: r}, nil
}

func (p *parser) parseAdditive() (node, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPlus && t.kind != tokMinus {
			return l, nil
		}
		p.next()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = &arith{at: t.pos, op: t.text, l: l, r: r}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokStar && t.kind != tokSlash {
			return l, nil
		}
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &arith{at: t.pos, op: t.text, l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	if t := p.peek(); t.kind == tokMinus {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unary{at: t.pos, op: "-", x: x}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberLit{at: t.pos, value: t.num}, nil
	case tokLParen:
		x, err := p.parseLogical()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return &paren{at: t.pos, x: x}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return &ident{at: t.pos, name: t.text}, nil
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	p.next() // (
	c := &call{at: name.pos, name: strings.ToLower(name.text)}
	if p.peek().kind == tokRParen {
		p.next()
		return c, p.checkCall(c, name)
	}
	for {
		if t := p.peek(); t.kind == tokIdent && p.toks[p.i+1].kind == tokAssign {
			p.next()
			p.next()
			if !strings.EqualFold(t.text, "periods") {
				return nil, p.errorf(t, "unknown keyword argument %q", t.text)
			}
			v, err := p.expect(tokNumber, "number")
			if err != nil {
				return nil, err
			}
			if c.periods != 0 {
				return nil, p.errorf(t, "periods given twice")
			}
			if err := p.setPeriods(c, v); err != nil {
				return nil, err
			}
		} else {
			arg, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			c.args = append(c.args, arg)
		}

		t := p.next()
		if t.kind == tokRParen {
			break
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected , or ) in call to %s", c.name)
		}
	}
	return c, p.checkCall(c, name)
}

func (p *parser) setPeriods(c *call, t token) error {
	if t.num < 1 || t.num != math.Trunc(t.num) {
		return p.errorf(t, "periods must be a positive integer")
	}
	c.periods = int(t.num)
	return nil
}

func (p *parser) checkCall(c *call, name token) error {
	switch c.name {
	case "crossover", "crossunder":
		if len(c.args) != 2 || c.periods != 0 {
			return p.errorf(name, "%s takes exactly two arguments", c.name)
		}
	case "above", "below":
		if len(c.args) == 3 && c.periods == 0 {
			lit, ok := c.args[2].(*numberLit)
			if !ok {
				return p.errorf(name, "%s periods must be a number literal", c.name)
			}
			if err := p.setPeriods(c, token{pos: lit.at, num: lit.value}); err != nil {
				return err
			}
			c.args = c.args[:2]
		}
		if len(c.args) != 2 {
			return p.errorf(name, "%s takes two series and an optional periods", c.name)
		}
		if c.periods == 0 {
			c.periods = 1
		}
	default:
		return p.errorf(name, "unknown function %q", name.text)
	}
	return nil
}
