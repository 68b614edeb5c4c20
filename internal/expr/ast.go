package expr

type kind int

const (
	kindNumeric kind = iota
	kindBool
)

type node interface {
	pos() int
}

type numberLit struct {
	at    int
	value float64
}

type ident struct {
	at   int
	name string
	// resolved at compile time
	column string
	scalar bool
	value  float64
}

type unary struct {
	at int
	op string
	x  node
}

type arith struct {
	at   int
	op   string
	l, r node
}

type compare struct {
	at   int
	op   string
	l, r node
}

type logical struct {
	at       int
	op       string
	operands []node
}

type call struct {
	at      int
	name    string
	args    []node
	periods int
}

type paren struct {
	at int
	x  node
}

func (n *numberLit) pos() int { return n.at }
func (n *ident) pos() int     { return n.at }
func (n *unary) pos() int     { return n.at }
func (n *arith) pos() int     { return n.at }
func (n *compare) pos() int   { return n.at }
func (n *logical) pos() int   { return n.at }
func (n *call) pos() int      { return n.at }
func (n *paren) pos() int     { return n.at }

// unparen strips any number of wrapping parentheses.
func unparen(n node) node {
	for {
		p, ok := n.(*paren)
		if !ok {
			return n
		}
		n = p.x
	}
}
