package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/reconcile"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Domain failure (not found, conflict, import errors)
	ExitCommandError = 2 // Command error (bad flags, config, unreachable store)
)

// Error codes reported in the JSON envelope.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeConfig      = "E002" // Config load or validation failed
	ErrCodeStore       = "E003" // Store could not be opened
	ErrCodeInvalid     = "E004" // Invalid input
	ErrCodeNotFound    = "E005" // Operation, dead letter or version missing
	ErrCodeConflict    = "E006" // State does not allow the action
	ErrCodeWriteFailed = "E007" // Snapshot write/read error
	ErrCodeChecksum    = "E008" // Snapshot checksum mismatch
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// textRenderer is implemented by results with a human-readable form.
type textRenderer interface {
	renderText(w io.Writer)
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(textRenderer); ok {
		r.renderText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
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

// Fail reports err through the formatter and returns the matching
// ExitError. Domain outcomes exit 1; bad input exits 2.
func (f *OutputFormatter) Fail(err error) error {
	code, exit := classify(err)
	_ = f.Error(code, err.Error(), nil)
	return WrapExitError(exit, code, err)
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return ErrCodeNotFound, ExitFailure
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrOperationExists):
		return ErrCodeConflict, ExitFailure
	case errors.Is(err, reconcile.ErrChecksumMismatch):
		return ErrCodeChecksum, ExitFailure
	case errors.Is(err, queue.ErrEmptyIdempotencyKey),
		errors.Is(err, queue.ErrInvalidOperation),
		errors.Is(err, queue.ErrDependencyCycle),
		errors.Is(err, versions.ErrInvalidRequest),
		errors.Is(err, reconcile.ErrUnsupportedSnapshot),
		errors.Is(err, errInvalidInput):
		return ErrCodeInvalid, ExitCommandError
	case errors.Is(err, errConfig):
		return ErrCodeConfig, ExitCommandError
	case errors.Is(err, errStore):
		return ErrCodeStore, ExitCommandError
	case errors.Is(err, errSnapshotIO):
		return ErrCodeWriteFailed, ExitCommandError
	default:
		return ErrCodeGeneric, ExitFailure
	}
}

// Classification markers wrapped around errors raised by the CLI itself.
var (
	errInvalidInput = errors.New("invalid input")
	errConfig       = errors.New("config")
	errStore        = errors.New("store")
	errSnapshotIO   = errors.New("snapshot io")
)
