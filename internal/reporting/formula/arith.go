package formula

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var termPattern = regexp.MustCompile(`^[A-Za-z0-9_]+\.[A-Za-z0-9_]+$`)

// Expr is a parsed aggregation formula.
type Expr struct {
	source string
	root   node
}

type node interface {
	eval(lookup Lookup) (decimal.Decimal, error)
	terms(into map[string]struct{})
}

// Lookup resolves a `code.label` term. The boolean is false when the term has
// no value yet.
type Lookup func(term string) (decimal.Decimal, bool)

// UnresolvedTermError is returned by Eval when Lookup misses a term.
type UnresolvedTermError struct {
	Term string
}

func (e *UnresolvedTermError) Error() string {
	return "formula: unresolved term " + e.Term
}

type numberNode struct{ v decimal.Decimal }

type termNode struct{ name string }

type negNode struct{ operand node }

type binaryNode struct {
	op          byte
	left, right node
}

func (n numberNode) eval(Lookup) (decimal.Decimal, error) { return n.v, nil }
func (n numberNode) terms(map[string]struct{})            {}

func (n termNode) eval(lookup Lookup) (decimal.Decimal, error) {
	v, ok := lookup(n.name)
	if !ok {
		return decimal.Zero, &UnresolvedTermError{Term: n.name}
	}
	return v, nil
}
func (n termNode) terms(into map[string]struct{}) { into[n.name] = struct{}{} }

func (n negNode) eval(lookup Lookup) (decimal.Decimal, error) {
	v, err := n.operand.eval(lookup)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}
func (n negNode) terms(into map[string]struct{}) { n.operand.terms(into) }

func (n binaryNode) eval(lookup Lookup) (decimal.Decimal, error) {
	left, err := n.left.eval(lookup)
	if err != nil {
		return decimal.Zero, err
	}
	right, err := n.right.eval(lookup)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return left.Add(right), nil
	case '-':
		return left.Sub(right), nil
	case '*':
		return left.Mul(right), nil
	default:
		if right.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return left.Div(right), nil
	}
}

func (n binaryNode) terms(into map[string]struct{}) {
	n.left.terms(into)
	n.right.terms(into)
}

// ParseArithmetic parses `+ - * / ( )` expressions over numeric literals and
// `code.label` terms.
func ParseArithmetic(src string) (*Expr, error) {
	p := &arithParser{src: src}
	if p.atEnd() {
		return nil, syntaxErr(src, -1, "empty formula")
	}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, syntaxErr(src, p.pos, "unexpected %q", p.src[p.pos])
	}
	return &Expr{source: src, root: root}, nil
}

// String returns the formula source.
func (e *Expr) String() string { return e.source }

// Terms returns the distinct terms referenced by the formula, sorted.
func (e *Expr) Terms() []string {
	set := make(map[string]struct{})
	e.root.terms(set)
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Eval evaluates the formula, resolving terms through lookup.
func (e *Expr) Eval(lookup Lookup) (decimal.Decimal, error) {
	return e.root.eval(lookup)
}

type arithParser struct {
	src string
	pos int
}

func (p *arithParser) skip() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n') {
		p.pos++
	}
}

func (p *arithParser) atEnd() bool {
	p.skip()
	return p.pos >= len(p.src)
}

func (p *arithParser) peek() byte {
	p.skip()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *arithParser) parseExpr(minPrec int) (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		prec := precedence(op)
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		p.pos++
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *arithParser) parsePrimary() (node, error) {
	switch ch := p.peek(); {
	case ch == '(':
		p.pos++
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, syntaxErr(p.src, p.pos, "expected ')'")
		}
		p.pos++
		return inner, nil
	case ch == '-':
		p.pos++
		operand, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return negNode{operand: operand}, nil
	case ch == '+':
		p.pos++
		return p.parsePrimary()
	case isWordByte(ch):
		return p.parseWord()
	case ch == 0:
		return nil, syntaxErr(p.src, p.pos, "unexpected end of formula")
	default:
		return nil, syntaxErr(p.src, p.pos, "unexpected %q", ch)
	}
}

func (p *arithParser) parseWord() (node, error) {
	start := p.pos
	for p.pos < len(p.src) && isWordByte(p.src[p.pos]) {
		p.pos++
	}
	word := p.src[start:p.pos]
	if v, err := decimal.NewFromString(word); err == nil && !strings.ContainsAny(word, "eE") {
		return numberNode{v: v}, nil
	}
	if !termPattern.MatchString(word) {
		return nil, syntaxErr(p.src, start, "invalid term %q", word)
	}
	return termNode{name: word}, nil
}

func isWordByte(ch byte) bool {
	return ch == '_' || ch == '.' || (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func precedence(op byte) int {
	switch op {
	case '+', '-':
		return 1
	case '*', '/':
		return 2
	}
	return 0
}
