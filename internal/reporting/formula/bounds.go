package formula

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// BoundKind enumerates aggregation subformulas.
type BoundKind string

const (
	BoundNone           BoundKind = ""
	BoundAbove          BoundKind = "if_above"
	BoundBelow          BoundKind = "if_below"
	BoundBetween        BoundKind = "if_between"
	BoundOtherExprAbove BoundKind = "if_other_expr_above"
	BoundOtherExprBelow BoundKind = "if_other_expr_below"
	BoundCrossReport    BoundKind = "cross_report"
)

var (
	subformulaPattern = regexp.MustCompile(`^(if_above|if_below|if_between|if_other_expr_above|if_other_expr_below|cross_report)\((.*)\)$`)
	amountPattern     = regexp.MustCompile(`^([A-Za-z]{3})\(\s*(-?[0-9]+(?:\.[0-9]+)?)\s*\)$`)
	reportCodePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Amount is a bound literal in a stated currency, e.g. USD(100).
type Amount struct {
	Currency string
	Value    decimal.Decimal
}

// Bound is a parsed aggregation subformula.
type Bound struct {
	Kind      BoundKind
	Lower     Amount
	Upper     Amount
	OtherExpr string
	Report    string
}

// Bounded reports whether the subformula filters the computed value.
func (b Bound) Bounded() bool {
	return b.Kind != BoundNone && b.Kind != BoundCrossReport
}

// ParseBound parses an aggregation subformula.
func ParseBound(sub string) (Bound, error) {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Bound{}, nil
	}
	m := subformulaPattern.FindStringSubmatch(sub)
	if m == nil {
		return Bound{}, syntaxErr(sub, -1, "unknown aggregation subformula")
	}
	kind, args := BoundKind(m[1]), splitArgs(m[2])
	b := Bound{Kind: kind}
	var err error
	switch kind {
	case BoundAbove, BoundBelow:
		if len(args) != 1 {
			return Bound{}, syntaxErr(sub, -1, "%s takes one amount", kind)
		}
		b.Lower, err = parseAmount(sub, args[0])
		b.Upper = b.Lower
	case BoundBetween:
		if len(args) != 2 {
			return Bound{}, syntaxErr(sub, -1, "%s takes two amounts", kind)
		}
		if b.Lower, err = parseAmount(sub, args[0]); err == nil {
			b.Upper, err = parseAmount(sub, args[1])
		}
	case BoundOtherExprAbove, BoundOtherExprBelow:
		if len(args) != 2 || !termPattern.MatchString(args[0]) {
			return Bound{}, syntaxErr(sub, -1, "%s takes a term and an amount", kind)
		}
		b.OtherExpr = args[0]
		b.Lower, err = parseAmount(sub, args[1])
		b.Upper = b.Lower
	case BoundCrossReport:
		if len(args) != 1 || !reportCodePattern.MatchString(args[0]) {
			return Bound{}, syntaxErr(sub, -1, "cross_report takes a report code")
		}
		b.Report = args[0]
	}
	if err != nil {
		return Bound{}, err
	}
	return b, nil
}

func parseAmount(sub, raw string) (Amount, error) {
	m := amountPattern.FindStringSubmatch(raw)
	if m == nil {
		return Amount{}, syntaxErr(sub, -1, "invalid amount %q, expected CUR(x)", raw)
	}
	v, err := decimal.NewFromString(m[2])
	if err != nil {
		return Amount{}, syntaxErr(sub, -1, "invalid amount %q", raw)
	}
	return Amount{Currency: strings.ToUpper(m[1]), Value: v}, nil
}

// splitArgs splits on top-level commas.
func splitArgs(raw string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(raw[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(raw[start:]); last != "" || len(out) > 0 {
		out = append(out, last)
	}
	return out
}

// SignPolicy is the domain engine subformula.
type SignPolicy string

const (
	SignSum       SignPolicy = "sum"
	SignSumIfPos  SignPolicy = "sum_if_pos"
	SignSumIfNeg  SignPolicy = "sum_if_neg"
	SignCountRows SignPolicy = "count_rows"
)

// Policy is a parsed sign policy, optionally negated with a leading '-'.
type Policy struct {
	Sign   SignPolicy
	Negate bool
}

// ParseSignPolicy parses a domain subformula; empty means sum.
func ParseSignPolicy(sub string) (Policy, error) {
	sub = strings.TrimSpace(sub)
	var p Policy
	if strings.HasPrefix(sub, "-") {
		p.Negate = true
		sub = strings.TrimSpace(sub[1:])
	}
	switch SignPolicy(sub) {
	case "", SignSum:
		p.Sign = SignSum
	case SignSumIfPos, SignSumIfNeg, SignCountRows:
		p.Sign = SignPolicy(sub)
	default:
		return Policy{}, syntaxErr(sub, -1, "unknown sign policy")
	}
	return p, nil
}

// Apply applies the policy to an aggregate balance.
func (p Policy) Apply(total decimal.Decimal) decimal.Decimal {
	switch p.Sign {
	case SignSumIfPos:
		if total.IsNegative() {
			total = decimal.Zero
		}
	case SignSumIfNeg:
		if !total.IsNegative() {
			total = decimal.Zero
		}
	}
	if p.Negate {
		return total.Neg()
	}
	return total
}

// ExternalOptions is the parsed external engine subformula.
type ExternalOptions struct {
	Editable bool
	Rounding int32
	Rounded  bool
}

// ParseExternalOptions parses `editable` and `rounding=N` flags separated by ';'.
func ParseExternalOptions(sub string) (ExternalOptions, error) {
	var o ExternalOptions
	for _, part := range strings.Split(sub, ";") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == "editable":
			o.Editable = true
		case strings.HasPrefix(part, "rounding="):
			n, err := decimal.NewFromString(strings.TrimPrefix(part, "rounding="))
			if err != nil || !n.IsInteger() || n.IsNegative() {
				return ExternalOptions{}, syntaxErr(sub, -1, "invalid rounding %q", part)
			}
			o.Rounding, o.Rounded = int32(n.IntPart()), true
		default:
			return ExternalOptions{}, syntaxErr(sub, -1, "unknown external option %q", part)
		}
	}
	return o, nil
}
