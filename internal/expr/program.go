package expr

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/indicator"
)

// Scope lists what identifiers may refer to: table columns and scalar parameters.
// Columns shadow scalars with the same name.
type Scope struct {
	Columns map[string]bool
	Scalars map[string]float64
}

// NewScope builds a scope from column names and scalar parameters.
func NewScope(columns []string, scalars map[string]float64) Scope {
	s := Scope{Columns: make(map[string]bool, len(columns)), Scalars: scalars}
	for _, c := range columns {
		s.Columns[c] = true
	}
	return s
}

func (s Scope) resolve(n *ident) bool {
	if s.Columns[n.name] {
		n.column = n.name
		return true
	}
	if lower := strings.ToLower(n.name); s.Columns[lower] && isBaseColumn(lower) {
		n.column = lower
		return true
	}
	if v, ok := s.Scalars[n.name]; ok {
		n.scalar = true
		n.value = v
		return true
	}
	return false
}

func isBaseColumn(name string) bool {
	switch name {
	case indicator.ColOpen, indicator.ColHigh, indicator.ColLow, indicator.ColClose, indicator.ColVolume:
		return true
	}
	return false
}

// Program is a compiled boolean expression.
type Program struct {
	src     string
	root    node
	refs    []string
	scalars []string
}

// Compile parses src and resolves every identifier against scope. All reference and
// type errors are reported here, before any evaluation.
func Compile(src string, scope Scope) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	c := &checker{src: src, scope: scope}
	k, err := c.check(root)
	if err != nil {
		return nil, err
	}
	if k != kindBool {
		return nil, domain.SyntaxError{Expr: src, Pos: 0, Message: "expression must evaluate to true/false"}
	}
	return &Program{src: src, root: root, refs: c.refs, scalars: c.scalars}, nil
}

// String returns the source expression.
func (p *Program) String() string {
	return p.src
}

// Columns returns the table columns the program reads.
func (p *Program) Columns() []string {
	return append([]string(nil), p.refs...)
}

// Scalars returns the scalar parameters the program reads.
func (p *Program) Scalars() []string {
	return append([]string(nil), p.scalars...)
}

type checker struct {
	src     string
	scope   Scope
	refs    []string
	scalars []string
}

func (c *checker) fail(n node, format string, args ...any) error {
	return domain.SyntaxError{Expr: c.src, Pos: n.pos(), Message: fmt.Sprintf(format, args...)}
}

func (c *checker) check(n node) (kind, error) {
	switch n := n.(type) {
	case *numberLit:
		return kindNumeric, nil
	case *ident:
		if !c.scope.resolve(n) {
			return 0, domain.UnknownReferenceError{Name: n.name, Expr: c.src}
		}
		if n.column != "" && !slices.Contains(c.refs, n.column) {
			c.refs = append(c.refs, n.column)
		}
		if n.scalar && !slices.Contains(c.scalars, n.name) {
			c.scalars = append(c.scalars, n.name)
		}
		return kindNumeric, nil
	case *paren:
		return c.check(n.x)
	case *unary:
		k, err := c.check(n.x)
		if err != nil {
			return 0, err
		}
		want := kindNumeric
		if n.op == "~" {
			want = kindBool
		}
		if k != want {
			return 0, c.fail(n, "operator %s applied to the wrong operand type", n.op)
		}
		return k, nil
	case *arith:
		if err := c.expect(n.l, kindNumeric, n.op); err != nil {
			return 0, err
		}
		if err := c.expect(n.r, kindNumeric, n.op); err != nil {
			return 0, err
		}
		return kindNumeric, nil
	case *compare:
		if err := c.expect(n.l, kindNumeric, n.op); err != nil {
			return 0, err
		}
		if err := c.expect(n.r, kindNumeric, n.op); err != nil {
			return 0, err
		}
		return kindBool, nil
	case *logical:
		for _, operand := range n.operands {
			if err := c.expect(operand, kindBool, n.op); err != nil {
				return 0, err
			}
		}
		return kindBool, nil
	case *call:
		for _, a := range n.args {
			if err := c.expect(a, kindNumeric, n.name); err != nil {
				return 0, err
			}
		}
		return kindBool, nil
	}
	return 0, c.fail(n, "unsupported expression")
}

func (c *checker) expect(n node, want kind, op string) error {
	k, err := c.check(n)
	if err != nil {
		return err
	}
	if k != want {
		if want == kindBool {
			return c.fail(n, "%s needs true/false operands", op)
		}
		return c.fail(n, "%s needs numeric operands", op)
	}
	return nil
}

// Eval evaluates the program for every row of t. A row whose result depends on NaN
// (e.g. during indicator warm-up) is false, negated or not.
func (p *Program) Eval(t *indicator.Table) ([]bool, error) {
	e := &evaluator{t: t, n: t.Len()}
	v, err := e.boolean(p.root)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(v))
	for i, x := range v {
		out[i] = x == truthTrue
	}
	return out, nil
}

type evaluator struct {
	t *indicator.Table
	n int
}

func (e *evaluator) numeric(n node) ([]float64, error) {
	switch n := n.(type) {
	case *numberLit:
		return e.broadcast(n.value), nil
	case *ident:
		if n.scalar {
			return e.broadcast(n.value), nil
		}
		col, ok := e.t.Column(n.column)
		if !ok {
			return nil, fmt.Errorf("%w: column %q missing from table", domain.ErrCompile, n.column)
		}
		return col, nil
	case *paren:
		return e.numeric(n.x)
	case *unary:
		x, err := e.numeric(n.x)
		if err != nil {
			return nil, err
		}
		out := make([]float64, e.n)
		for i := range out {
			out[i] = -x[i]
		}
		return out, nil
	case *arith:
		l, err := e.numeric(n.l)
		if err != nil {
			return nil, err
		}
		r, err := e.numeric(n.r)
		if err != nil {
			return nil, err
		}
		out := make([]float64, e.n)
		for i := range out {
			switch n.op {
			case "+":
				out[i] = l[i] + r[i]
			case "-":
				out[i] = l[i] - r[i]
			case "*":
				out[i] = l[i] * r[i]
			case "/":
				if r[i] == 0 {
					out[i] = math.NaN()
				} else {
					out[i] = l[i] / r[i]
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: node at %d is not numeric", domain.ErrCompile, n.pos())
}

// truth is a three-valued boolean. Comparisons touching NaN are unknown, and
// unknown survives negation so that ~(close > EMA_9) stays false during warm-up.
type truth int8

const (
	truthFalse truth = iota
	truthTrue
	truthUnknown
)

func truthOf(b bool) truth {
	if b {
		return truthTrue
	}
	return truthFalse
}

func (e *evaluator) boolean(n node) ([]truth, error) {
	switch n := n.(type) {
	case *paren:
		return e.boolean(n.x)
	case *unary:
		x, err := e.boolean(n.x)
		if err != nil {
			return nil, err
		}
		out := make([]truth, e.n)
		for i, v := range x {
			switch v {
			case truthTrue:
				out[i] = truthFalse
			case truthFalse:
				out[i] = truthTrue
			default:
				out[i] = truthUnknown
			}
		}
		return out, nil
	case *compare:
		l, err := e.numeric(n.l)
		if err != nil {
			return nil, err
		}
		r, err := e.numeric(n.r)
		if err != nil {
			return nil, err
		}
		out := make([]truth, e.n)
		for i := range out {
			if !defined(l[i], r[i]) {
				out[i] = truthUnknown
				continue
			}
			out[i] = truthOf(cmp(n.op, l[i], r[i]))
		}
		return out, nil
	case *logical:
		var out []truth
		for _, operand := range n.operands {
			x, err := e.boolean(operand)
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = append([]truth(nil), x...)
				continue
			}
			for i := range out {
				if n.op == "&" {
					out[i] = and(out[i], x[i])
				} else {
					out[i] = or(out[i], x[i])
				}
			}
		}
		return out, nil
	case *call:
		return e.call(n)
	}
	return nil, fmt.Errorf("%w: node at %d is not boolean", domain.ErrCompile, n.pos())
}

func and(a, b truth) truth {
	switch {
	case a == truthFalse || b == truthFalse:
		return truthFalse
	case a == truthUnknown || b == truthUnknown:
		return truthUnknown
	}
	return truthTrue
}

func or(a, b truth) truth {
	switch {
	case a == truthTrue || b == truthTrue:
		return truthTrue
	case a == truthUnknown || b == truthUnknown:
		return truthUnknown
	}
	return truthFalse
}

// call evaluates a series function. A bar is unknown when its look-back window
// reaches before the first bar or holds NaN.
func (e *evaluator) call(c *call) ([]truth, error) {
	a, err := e.numeric(c.args[0])
	if err != nil {
		return nil, err
	}
	b, err := e.numeric(c.args[1])
	if err != nil {
		return nil, err
	}
	var (
		got      []bool
		lookback int
	)
	switch c.name {
	case "crossover":
		got, lookback = Crossover(a, b), 2
	case "crossunder":
		got, lookback = Crossunder(a, b), 2
	case "above":
		got, lookback = Above(a, b, c.periods), c.periods
	default:
		got, lookback = Below(a, b, c.periods), c.periods
	}

	out := make([]truth, len(got))
	lastNaN := -1
	for i := range got {
		if !defined(a[i], b[i]) {
			lastNaN = i
		}
		if i < lookback-1 || lastNaN > i-lookback {
			out[i] = truthUnknown
			continue
		}
		out[i] = truthOf(got[i])
	}
	return out, nil
}

func (e *evaluator) broadcast(v float64) []float64 {
	out := make([]float64, e.n)
	for i := range out {
		out[i] = v
	}
	return out
}

func cmp(op string, l, r float64) bool {
	if math.IsNaN(l) || math.IsNaN(r) {
		return false
	}
	switch op {
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case "==":
		return l == r
	}
	return false
}

func defined(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Crossover is true on bar i when a moves from at-or-below b to strictly above it.
func Crossover(a, b []float64) []bool {
	out := make([]bool, len(a))
	for i := 1; i < len(a); i++ {
		if defined(a[i-1], b[i-1], a[i], b[i]) {
			out[i] = a[i-1] <= b[i-1] && a[i] > b[i]
		}
	}
	return out
}

// Crossunder is true on bar i when a moves from at-or-above b to strictly below it.
// It is never true on the same bar as Crossover.
func Crossunder(a, b []float64) []bool {
	out := make([]bool, len(a))
	for i := 1; i < len(a); i++ {
		if defined(a[i-1], b[i-1], a[i], b[i]) {
			out[i] = a[i-1] >= b[i-1] && a[i] < b[i]
		}
	}
	return out
}

// Above is true when a > b on each of the last periods bars, including bar i.
func Above(a, b []float64, periods int) []bool {
	return streak(a, b, periods, func(x, y float64) bool { return x > y })
}

// Below is true when a < b on each of the last periods bars, including bar i.
func Below(a, b []float64, periods int) []bool {
	return streak(a, b, periods, func(x, y float64) bool { return x < y })
}

func streak(a, b []float64, periods int, hold func(x, y float64) bool) []bool {
	out := make([]bool, len(a))
	run := 0
	for i := range a {
		if defined(a[i], b[i]) && hold(a[i], b[i]) {
			run++
		} else {
			run = 0
		}
		out[i] = run >= periods
	}
	return out
}
