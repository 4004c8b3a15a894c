// Package formula parses the engine-specific formula and subformula strings of
// report expressions. Parsers are pure; the engines attach line context to
// the errors they return.
package formula

import (
	"errors"
	"fmt"
)

// ErrDivisionByZero is returned by Expr.Eval when a divisor is zero.
var ErrDivisionByZero = errors.New("formula: division by zero")

// SyntaxError reports a malformed formula.
type SyntaxError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("formula %q: %s at position %d", e.Formula, e.Msg, e.Pos)
	}
	return fmt.Sprintf("formula %q: %s", e.Formula, e.Msg)
}

func syntaxErr(formula string, pos int, format string, args ...any) error {
	return &SyntaxError{Formula: formula, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
