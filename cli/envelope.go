package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/report"
)

// signerList collects repeated -signer flags of the form
// "role=HOMEOWNER,id=h1,name=Jane Doe,email=jane@example.com,order=0".
// A signer without order= takes its position in the list.
type signerList []envelope.SignerSpec

func (l *signerList) String() string {
	parts := make([]string, 0, len(*l))
	for _, s := range *l {
		parts = append(parts, s.Role+":"+s.ID)
	}
	return strings.Join(parts, " ")
}

func (l *signerList) Set(value string) error {
	spec := envelope.SignerSpec{Order: len(*l)}
	for _, kv := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", kv)
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "role":
			spec.Role = val
		case "id":
			spec.ID = val
		case "name":
			spec.DisplayName = val
		case "email":
			spec.Email = val
		case "order":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid order %q", val)
			}
			spec.Order = n
		default:
			return fmt.Errorf("unknown signer attribute %q", key)
		}
	}
	if spec.Role == "" {
		return fmt.Errorf("signer %q has no role", value)
	}
	*l = append(*l, spec)
	return nil
}

// printEnvelope writes the envelope's summary as JSON to stdout.
func printEnvelope(env *envelope.Envelope) {
	r := report.Build(time.Now(), []*envelope.Envelope{env}, nil)
	writeJSON(stdout, r.Envelopes[0])
}

// CreateCommand handles the create command.
func CreateCommand(args []string) error {
	fs, configPath := newFlagSet("create", "", "Create a draft envelope from a PDF and a field template.")
	title := fs.String("title", "", "Envelope title (required)")
	reference := fs.String("reference", "", "External reference, such as a claim number")
	document := fs.String("document", "", "Path to the source PDF")
	documentRef := fs.String("document-ref", "", "Reference of a document already in the document store")
	template := fs.String("template", "default", "Field template name; \"none\" signs on an appended certificate page")
	templateFile := fs.String("template-file", "", "YAML file with additional field templates")
	ordered := fs.Bool("ordered", false, "Require signers to sign in order")
	start := fs.Bool("start", false, "Start the envelope after creating it")
	var signers signerList
	fs.Var(&signers, "signer", "Signer as role=ROLE,id=ID,name=NAME,email=EMAIL,order=N (repeatable)")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	if (*document == "") == (*documentRef == "") {
		return usageError("exactly one of -document and -document-ref is required")
	}
	templateSet := false
	fs.Visit(func(f *flag.Flag) { templateSet = templateSet || f.Name == "template" })

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		req := envelope.CreateRequest{
			Title:             *title,
			Reference:         *reference,
			SourceDocumentRef: *documentRef,
			Template:          *template,
			Signers:           signers,
			Ordered:           *ordered,
		}
		if *templateFile != "" {
			loaded, err := a.templates.LoadFile(*templateFile)
			if err != nil {
				return err
			}
			if !templateSet && len(loaded) == 1 {
				req.Template = loaded[0].Name
			}
		}
		if req.Template == "none" {
			req.Template = ""
		}
		if *document != "" {
			data, err := os.ReadFile(*document)
			if err != nil {
				return fmt.Errorf("failed to read document: %w", err)
			}
			req.SourceDocument = data
		}

		env, err := a.service.CreateEnvelope(ctx, req)
		if err != nil {
			return err
		}
		if *start {
			if env, err = a.service.StartEnvelope(ctx, env.ID); err != nil {
				return err
			}
		}
		printEnvelope(env)
		return nil
	})
}

// envelopeCommand runs a one-argument command that returns the updated
// envelope.
func envelopeCommand(name, description string, args []string, extra func(fs flagger), fn func(ctx context.Context, s *envelope.Service, id string) (*envelope.Envelope, error)) error {
	fs, configPath := newFlagSet(name, "<envelope-id>", description)
	if extra != nil {
		extra(fs)
	}
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	id := fs.Arg(0)
	return withApp(*configPath, func(ctx context.Context, a *app) error {
		env, err := fn(ctx, a.service, id)
		if err != nil {
			return err
		}
		printEnvelope(env)
		return nil
	})
}

// flagger is the part of flag.FlagSet used to register extra flags.
type flagger interface {
	String(name, value, usage string) *string
}

// StartCommand handles the start command.
func StartCommand(args []string) error {
	return envelopeCommand("start", "Open a draft envelope for signing.", args, nil,
		func(ctx context.Context, s *envelope.Service, id string) (*envelope.Envelope, error) {
			return s.StartEnvelope(ctx, id)
		})
}

// VoidCommand handles the void command.
func VoidCommand(args []string) error {
	var reason *string
	return envelopeCommand("void", "Void an envelope. Signed documents are kept.", args,
		func(fs flagger) { reason = fs.String("reason", "", "Reason recorded in the audit trail") },
		func(ctx context.Context, s *envelope.Service, id string) (*envelope.Envelope, error) {
			return s.VoidEnvelope(ctx, id, *reason)
		})
}

// RecreateCommand handles the recreate command.
func RecreateCommand(args []string) error {
	return envelopeCommand("recreate", "Start a new draft with the same document and signers as a voided envelope.", args, nil,
		func(ctx context.Context, s *envelope.Service, id string) (*envelope.Envelope, error) {
			return s.Recreate(ctx, id)
		})
}

// StatusCommand handles the status command. It re-evaluates completion
// before printing, so an envelope whose last signer has signed reports
// COMPLETED.
func StatusCommand(args []string) error {
	return envelopeCommand("status", "Show an envelope's state.", args, nil,
		func(ctx context.Context, s *envelope.Service, id string) (*envelope.Envelope, error) {
			env, err := s.Get(ctx, id)
			if err != nil || env.Status != envelope.StatusInProgress {
				return env, err
			}
			env, err = s.CheckCompletion(ctx, id)
			if errors.Is(err, envelope.ErrSignerDeclined) {
				return env, nil
			}
			return env, err
		})
}

// signerCommand runs a command taking an envelope ID and a signer ID.
func signerCommand(name, description string, args []string, extra func(fs flagger), fn func(ctx context.Context, s *envelope.Service, id, signerID string) (*envelope.Envelope, error)) error {
	fs, configPath := newFlagSet(name, "<envelope-id> <signer-id>", description)
	if extra != nil {
		extra(fs)
	}
	if err := parse(fs, args, 2, 2); err != nil {
		return err
	}
	id, signerID := fs.Arg(0), fs.Arg(1)
	return withApp(*configPath, func(ctx context.Context, a *app) error {
		env, err := fn(ctx, a.service, id, signerID)
		if err != nil {
			return err
		}
		printEnvelope(env)
		return nil
	})
}

// CompleteCommand handles the complete command.
func CompleteCommand(args []string) error {
	var ip, ua *string
	return signerCommand("complete", "Sign for a signer whose required fields are all present.", args,
		func(fs flagger) {
			ip = fs.String("ip", "", "Signer IP address")
			ua = fs.String("user-agent", "", "Signer user agent")
		},
		func(ctx context.Context, s *envelope.Service, id, signerID string) (*envelope.Envelope, error) {
			return s.CompleteSigner(ctx, id, signerID, envelope.SigningContext{IPAddress: *ip, UserAgent: *ua})
		})
}

// DeclineCommand handles the decline command.
func DeclineCommand(args []string) error {
	var reason *string
	return signerCommand("decline", "Decline to sign. The envelope becomes DECLINED.", args,
		func(fs flagger) { reason = fs.String("reason", "", "Reason recorded in the audit trail") },
		func(ctx context.Context, s *envelope.Service, id, signerID string) (*envelope.Envelope, error) {
			return s.DeclineSigner(ctx, id, signerID, *reason)
		})
}

// SubmitCommand handles the submit command.
func SubmitCommand(args []string) error {
	fs, configPath := newFlagSet("submit", "<envelope-id> <signer-id> <field-label> [artifact-file]",
		"Submit an image or text for one field. PNG and JPEG files are drawn as images;\nany other file is read as text. DATE fields may be submitted empty to use today's date.")
	text := fs.String("text", "", "Text value instead of an artifact file")
	ip := fs.String("ip", "", "Signer IP address")
	ua := fs.String("user-agent", "", "Signer user agent")
	if err := parse(fs, args, 3, 4); err != nil {
		return err
	}
	id, signerID, label := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	var art envelope.Artifact
	switch {
	case fs.NArg() == 4 && *text != "":
		return usageError("use either an artifact file or -text, not both")
	case fs.NArg() == 4:
		data, err := os.ReadFile(fs.Arg(3))
		if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}
		art = artifactFromFile(data)
	default:
		art.Text = *text
	}

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		env, err := a.service.SubmitSignerField(ctx, id, signerID, label, art,
			envelope.SigningContext{IPAddress: *ip, UserAgent: *ua})
		if err != nil {
			return err
		}
		printEnvelope(env)
		return nil
	})
}

func artifactFromFile(data []byte) envelope.Artifact {
	ct := http.DetectContentType(data)
	switch ct {
	case "image/png", "image/jpeg":
		return envelope.Artifact{Image: data, ContentType: ct}
	}
	return envelope.Artifact{Text: strings.TrimSpace(string(data))}
}

// ExportCommand handles the export command.
func ExportCommand(args []string) error {
	fs, configPath := newFlagSet("export", "<envelope-id>", "Write an envelope's current document to a file.")
	output := fs.String("o", "", "Output file (required)")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	if *output == "" {
		return usageError("-o is required")
	}
	id := fs.Arg(0)
	return withApp(*configPath, func(ctx context.Context, a *app) error {
		env, err := a.service.Get(ctx, id)
		if err != nil {
			return err
		}
		data, err := a.docs.Load(ctx, env.CurrentDocumentRef)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Fprintf(stderr, "Wrote %s (%d bytes, %s)\n", *output, len(data), env.Status)
		return nil
	})
}
