package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Run completed, possibly with per-record failures
	ExitFailure      = 1 // Run aborted or command failed
	ExitConfigError  = 2 // Configuration or credentials rejected before any work
	ExitPartialError = 3 // Run completed but one or more lists could not be drained
)

// ExitError carries a specific process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// exitCodeFor classifies a run error.
func exitCodeFor(err error) int {
	if apperrors.IsFatal(err) || errors.Is(err, apperrors.ErrUnsupportedSchema) {
		return ExitConfigError
	}
	return ExitFailure
}

// OutputFormatter renders command results as text, JSON or YAML.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Summary writes a run summary.
func (f *OutputFormatter) Summary(run *models.RunSummary) error {
	switch f.Format {
	case "json":
		return f.json(run)
	case "yaml":
		return f.yaml(run)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s)\n", run.RunID, run.Job)
	fmt.Fprintf(&b, "  created: %d\n  updated: %d\n  skipped: %d\n  failed:  %d\n  aborted: %d\n",
		run.Created, run.Updated, run.Skipped, run.Failed, run.Aborted)
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "  duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if len(run.FailedLists) > 0 {
		fmt.Fprintf(&b, "  failed lists: %s\n", strings.Join(run.FailedLists, ", "))
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", run.Error)
	}
	_, err := io.WriteString(f.Writer, b.String())
	return err
}

// Outcome writes a single reconciliation outcome.
func (f *OutputFormatter) Outcome(o *models.ReconciliationOutcome) error {
	switch f.Format {
	case "json":
		return f.json(o)
	case "yaml":
		return f.yaml(outcomeView{
			Job:         o.Job,
			Origin:      o.OriginRef,
			SourceID:    o.SourceID,
			Status:      string(o.Status),
			ErrorDetail: o.ErrorDetail,
		})
	}

	line := fmt.Sprintf("%s %s/%s: %s", o.Job, o.OriginRef, o.SourceID, o.Status)
	if o.ErrorDetail != "" {
		line += " (" + o.ErrorDetail + ")"
	}
	_, err := fmt.Fprintln(f.Writer, line)
	return err
}

// Message writes a one-line status message.
func (f *OutputFormatter) Message(msg string) error {
	switch f.Format {
	case "json":
		return f.json(map[string]string{"status": "ok", "message": msg})
	case "yaml":
		return f.yaml(map[string]string{"status": "ok", "message": msg})
	}
	_, err := fmt.Fprintln(f.Writer, msg)
	return err
}

// outcomeView keeps the raw payload out of YAML output.
type outcomeView struct {
	Job         string `yaml:"job"`
	Origin      string `yaml:"origin"`
	SourceID    string `yaml:"source_id"`
	Status      string `yaml:"status"`
	ErrorDetail string `yaml:"error_detail,omitempty"`
}

func (f *OutputFormatter) json(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *OutputFormatter) yaml(v any) error {
	enc := yaml.NewEncoder(f.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
