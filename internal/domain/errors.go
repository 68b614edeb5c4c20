package domain

import (
	"errors"
	"fmt"
)

// Common domain errors.
var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a command does not fit the current job state.
	ErrConflict = errors.New("conflict")

	// ErrCompile is returned when a strategy definition cannot be compiled.
	ErrCompile = errors.New("strategy compile error")

	// ErrDataInsufficient is returned when a series is shorter than the indicator warm-up.
	ErrDataInsufficient = errors.New("insufficient data")

	// ErrSimulation is returned when the simulator meets invalid market data.
	ErrSimulation = errors.New("simulation error")

	// ErrJobFinished is returned when controlling a job that already reached a terminal state.
	ErrJobFinished = errors.New("optimization job already finished")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr    string
	Pos     int
	Message string
}

func (e SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d in %q: %s", e.Pos, e.Expr, e.Message)
}

func (e SyntaxError) Unwrap() error {
	return ErrCompile
}

// UnsupportedIndicatorError is returned for an indicator type the engine does not know.
type UnsupportedIndicatorError struct {
	Type string
}

func (e UnsupportedIndicatorError) Error() string {
	return "unsupported indicator type: " + e.Type
}

func (e UnsupportedIndicatorError) Unwrap() error {
	return ErrCompile
}

// UnknownReferenceError is returned when an expression names a column or parameter
// that does not exist.
type UnknownReferenceError struct {
	Name string
	Expr string
}

func (e UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown reference %q in expression %q", e.Name, e.Expr)
}

func (e UnknownReferenceError) Unwrap() error {
	return ErrCompile
}

// DataInsufficientError reports how many bars were needed and how many were supplied.
type DataInsufficientError struct {
	Indicator string
	Required  int
	Available int
}

func (e DataInsufficientError) Error() string {
	return fmt.Sprintf("%s needs %d bars, got %d", e.Indicator, e.Required, e.Available)
}

func (e DataInsufficientError) Unwrap() error {
	return ErrDataInsufficient
}

// SimulationError reports invalid data met while simulating.
type SimulationError struct {
	Bar     int
	Message string
}

func (e SimulationError) Error() string {
	return fmt.Sprintf("bar %d: %s", e.Bar, e.Message)
}

func (e SimulationError) Unwrap() error {
	return ErrSimulation
}

// TestFailure attaches stage and parameter context to an error raised while evaluating
// one optimization candidate.
type TestFailure struct {
	StageNum   int
	Parameters ParameterSet
	Err        error
}

func (e TestFailure) Error() string {
	return fmt.Sprintf("stage %d, parameters %s: %v", e.StageNum, e.Parameters.Key(), e.Err)
}

func (e TestFailure) Unwrap() error {
	return e.Err
}
