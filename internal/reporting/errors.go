package reporting

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks malformed report configuration.
	ErrConfiguration = errors.New("reporting: configuration error")
	// ErrUnresolvedDependency marks aggregation terms that never resolve.
	ErrUnresolvedDependency = errors.New("reporting: unresolved dependency")
	// ErrConsistency marks an evaluation target mismatch.
	ErrConsistency = errors.New("reporting: consistency error")
	// ErrScope marks carryover requested under an incompatible scope.
	ErrScope = errors.New("reporting: scope error")
)

// ConfigurationError reports a malformed formula, date scope, groupby field or
// an unsupported engine/subformula combination.
type ConfigurationError struct {
	Line       string
	Expression string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return "reporting: configuration error" + location(e.Line, e.Expression) + ": " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// UnresolvedDependencyError is returned when an aggregation term never resolves.
type UnresolvedDependencyError struct {
	Line       string
	Expression string
	Terms      []string
	Formula    string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("reporting: unresolved dependency%s: %s in formula %q",
		location(e.Line, e.Expression), strings.Join(e.Terms, ", "), e.Formula)
}

func (e *UnresolvedDependencyError) Unwrap() error { return ErrUnresolvedDependency }

// ConsistencyError is returned when the evaluated report differs from the one
// the options were resolved for.
type ConsistencyError struct {
	Expected int64
	Actual   int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("reporting: options bound to report %d, evaluating report %d", e.Expected, e.Actual)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// ScopeError is returned when carryover generation runs under an unsupported scope.
type ScopeError struct {
	Reason string
}

func (e *ScopeError) Error() string {
	return "reporting: scope error: " + e.Reason
}

func (e *ScopeError) Unwrap() error { return ErrScope }

func location(line, expr string) string {
	switch {
	case line != "" && expr != "":
		return " at " + line + "." + expr
	case line != "":
		return " at " + line
	case expr != "":
		return " at ." + expr
	}
	return ""
}

// Configf builds a ConfigurationError bound to an expression.
func Configf(line, expr, format string, args ...any) error {
	return &ConfigurationError{Line: line, Expression: expr, Reason: fmt.Sprintf(format, args...)}
}
