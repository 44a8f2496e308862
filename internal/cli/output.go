package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/shapefabric/internal/fault"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (aborted commit, scenario failure, unknown shape)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store not openable)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error

	// reported is set when the error was already written to the output.
	reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Reported reports whether err was already written by an OutputFormatter,
// so main need not print it again.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.reported
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse. Code is a fault code such as
// NOT_FOUND, or COMMAND_ERROR for failures outside the domain.
type CLIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	ShapeID string            `json:"shape_id,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// CodeCommandError labels errors that carry no fault code.
const CodeCommandError = "COMMAND_ERROR"

// Success writes data. In text mode text is printed instead, so each
// command decides its own human-readable layout.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error writes err, using the fault taxonomy when err carries a fault.
func (f *OutputFormatter) Error(err error) error {
	cliErr := &CLIError{Code: CodeCommandError, Message: err.Error()}
	var fe *fault.Error
	if errors.As(err, &fe) {
		cliErr.Code = string(fe.Code)
		cliErr.Message = fe.Message
		cliErr.ShapeID = fe.ShapeID
		cliErr.Details = fe.Details
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: cliErr})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
	if f.Verbose && len(cliErr.Details) > 0 {
		fmt.Fprintf(f.Writer, "Details: %v\n", cliErr.Details)
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose mode is on. It goes to
// ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// fail reports err through the formatter and returns it as an ExitError.
// Fault errors exit with ExitFailure, everything else with ExitCommandError.
func (f *OutputFormatter) fail(message string, err error) error {
	_ = f.Error(err)
	code := ExitCommandError
	if fault.CodeOf(err) != "" {
		code = ExitFailure
	}
	exitErr := WrapExitError(code, message, err)
	exitErr.reported = true
	return exitErr
}
