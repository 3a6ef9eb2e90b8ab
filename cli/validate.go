package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrun/core"
)

// Diagnostic severities.
const (
	severityError   = "error"
	severityWarning = "warning"
)

// longWaitMs is the wait duration above which validate warns.
const longWaitMs = 60_000

// diagnostic is one validation finding.
type diagnostic struct {
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario-file>",
		Short: "Validate a scenario file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")

	data, err := os.ReadFile(filePath) // #nosec G304 -- path from user CLI argument
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitRuntime, "reading file: %v", err)
	}

	var diags []diagnostic
	scenario, err := core.DecodeScenario(data, filePath)
	if err != nil {
		diags = []diagnostic{{Severity: severityError, Message: err.Error()}}
	} else {
		diags = validateScenario(scenario)
	}

	if format == "json" {
		printDiagnosticsJSON(cmd.OutOrStdout(), diags)
	} else {
		printDiagnosticsText(cmd.OutOrStdout(), diags)
	}

	errs, warns := countDiagnostics(diags)
	if errs > 0 || (strict && warns > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateScenario reports every problem instead of stopping at the first,
// then adds warnings for scenarios that are valid but likely mistaken.
func validateScenario(sc core.Scenario) []diagnostic {
	var diags []diagnostic
	if strings.TrimSpace(sc.Name) == "" {
		diags = append(diags, diagnostic{Severity: severityError, Path: "name", Message: "name is required"})
	}
	if len(sc.Steps) == 0 {
		diags = append(diags, diagnostic{Severity: severityError, Path: "steps", Message: "at least one step is required"})
	}

	seen := make(map[string]int, len(sc.Steps))
	for i, step := range sc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if err := step.Validate(); err != nil {
			diags = append(diags, diagnostic{Severity: severityError, Path: path, Message: err.Error()})
		}
		if first, dup := seen[step.ID]; dup && step.ID != "" {
			diags = append(diags, diagnostic{
				Severity: severityError,
				Path:     path,
				Message:  fmt.Sprintf("duplicate step id %q (first at steps[%d])", step.ID, first),
			})
		} else {
			seen[step.ID] = i
		}
		if step.Type == core.StepWait && step.Milliseconds > longWaitMs {
			diags = append(diags, diagnostic{
				Severity: severityWarning,
				Path:     path,
				Message:  fmt.Sprintf("wait of %dms is longer than %dms", step.Milliseconds, longWaitMs),
			})
		}
	}

	if len(sc.Steps) > 0 && sc.Steps[0].Type != core.StepNavigate {
		diags = append(diags, diagnostic{
			Severity: severityWarning,
			Path:     "steps[0]",
			Message:  "first step is not navigate; the page starts blank",
		})
	}
	return diags
}

func countDiagnostics(diags []diagnostic) (errs, warns int) {
	for _, d := range diags {
		switch d.Severity {
		case severityError:
			errs++
		case severityWarning:
			warns++
		}
	}
	return errs, warns
}

func printDiagnosticsText(w io.Writer, diags []diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s: %s (at %s)\n", sev, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s: %s\n", sev, d.Message)
		}
	}

	errs, warns := countDiagnostics(diags)
	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, "Valid!")
	case errs == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", warns, pluralize("warning", warns))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n", errs, pluralize("error", errs), warns, pluralize("warning", warns))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []diagnostic) {
	// Output an empty array rather than null when there are no diagnostics.
	if diags == nil {
		diags = []diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
