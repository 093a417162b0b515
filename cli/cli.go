// Package cli provides the goesign command-line interface.
package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/fields"
	"github.com/georgepadayatti/goesign/inject"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/placement"
	"github.com/georgepadayatti/goesign/report"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Exit codes.
const (
	ExitOK                     = 0
	ExitFailure                = 1
	ExitInvalid                = 2
	ExitPageIndexOutOfRange    = 10
	ExitDocumentLoad           = 11
	ExitImageDecode            = 12
	ExitMissingRequiredFields  = 13
	ExitOutOfSequence          = 14
	ExitHashMismatch           = 15
	ExitConcurrentModification = 16
)

// errUsage marks bad command-line arguments.
var errUsage = errors.New("usage error")

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

func commands() []command {
	return []command{
		{"create", "Create a draft envelope from a PDF and a field template", CreateCommand},
		{"start", "Open a draft envelope for signing", StartCommand},
		{"submit", "Submit a signer's artifact for one field", SubmitCommand},
		{"complete", "Sign a signer whose required fields are all present", CompleteCommand},
		{"decline", "Decline to sign", DeclineCommand},
		{"void", "Void an envelope", VoidCommand},
		{"recreate", "Start a new draft from a voided envelope", RecreateCommand},
		{"status", "Show an envelope's state", StatusCommand},
		{"export", "Write an envelope's current document to a file", ExportCommand},
		{"verify-hash", "Re-hash the stored document and compare it with the recorded hash", VerifyHashCommand},
		{"report", "Render a status report (json, text or xlsx)", ReportCommand},
		{"templates", "List field templates", TemplatesCommand},
		{"sweep", "Re-verify completed envelopes once or on a schedule", SweepCommand},
	}
}

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		osExit(ExitInvalid)
		return
	}

	name := args[1]
	switch name {
	case "version":
		VersionCommand()
		return
	case "help", "-h", "--help":
		Usage()
		return
	}
	for _, c := range commands() {
		if c.name == name {
			if err := c.run(args[2:]); err != nil && !errors.Is(err, flag.ErrHelp) {
				fail(err)
			}
			return
		}
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n\n", name)
	Usage()
	osExit(ExitInvalid)
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Fprintf(stdout, "goesign - document e-signature engine\n\n")
	fmt.Fprintf(stdout, "Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Fprintln(stdout, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(stdout, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(stdout, "  %-12s %s\n", "version", "Show version information")
	fmt.Fprintf(stdout, "  %-12s %s\n", "help", "Show this help message")
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Examples:")
	fmt.Fprintf(stdout, "  %s create -document contract.pdf -template default -ordered \\\n", os.Args[0])
	fmt.Fprintln(stdout, "      -signer role=HOMEOWNER,id=homeowner -signer role=CONTRACTOR,id=contractor,order=1 -start")
	fmt.Fprintf(stdout, "  %s submit <envelope-id> homeowner \"Homeowner Signature\" signature.png\n", os.Args[0])
	fmt.Fprintf(stdout, "  %s verify-hash <envelope-id>\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Fprintf(stdout, "goesign version %s\n", Version)
	fmt.Fprintf(stdout, "Build time: %s\n", BuildTime)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, placement.ErrPageIndexOutOfRange):
		return ExitPageIndexOutOfRange
	case errors.Is(err, inject.ErrDocumentLoad):
		return ExitDocumentLoad
	case errors.Is(err, inject.ErrImageDecode):
		return ExitImageDecode
	case errors.Is(err, envelope.ErrMissingRequiredFields):
		return ExitMissingRequiredFields
	case errors.Is(err, envelope.ErrOutOfSequence):
		return ExitOutOfSequence
	case errors.Is(err, integrity.ErrHashMismatch):
		return ExitHashMismatch
	case errors.Is(err, envelope.ErrConcurrentModification):
		return ExitConcurrentModification
	case errors.Is(err, envelope.ErrInvalidTransition),
		errors.Is(err, envelope.ErrNotFound),
		errors.Is(err, envelope.ErrInvalidRequest),
		errors.Is(err, envelope.ErrSignerDeclined),
		errors.Is(err, fields.ErrUnknownTemplate),
		errors.Is(err, report.ErrUnknownFormat),
		errors.Is(err, errUsage):
		return ExitInvalid
	}
	return ExitFailure
}

// ErrorOutput is written to stderr when a command fails.
type ErrorOutput struct {
	Error       string `json:"error"`
	UserMessage string `json:"user_message"`
	ExitCode    int    `json:"exit_code"`
}

func fail(err error) {
	code := ExitCode(err)
	if errors.Is(err, errUsage) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		osExit(code)
		return
	}
	writeJSON(stderr, ErrorOutput{Error: err.Error(), UserMessage: envelope.UserMessage(err), ExitCode: code})
	osExit(code)
}

func writeJSON(w io.Writer, v any) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(stderr, "Error encoding JSON: %v\n", err)
		osExit(ExitFailure)
	}
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// newFlagSet returns a flag set with the shared -config flag.
func newFlagSet(name, argsUsage, description string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("GOESIGN_CONFIG"), "Path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s %s [options] %s\n\n", os.Args[0], name, argsUsage)
		fmt.Fprintln(stderr, description)
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	return fs, configPath
}

// parse parses args and checks the positional argument count.
func parse(fs *flag.FlagSet, args []string, minArgs, maxArgs int) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if n := fs.NArg(); n < minArgs || (maxArgs >= 0 && n > maxArgs) {
		fs.Usage()
		return usageError("%s expects %d argument(s), got %d", fs.Name(), minArgs, n)
	}
	return nil
}
