package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/fields"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/report"
	"github.com/georgepadayatti/goesign/sweep"
)

// ReportCommand implements the 'report' command.
func ReportCommand(args []string) error {
	fs, configPath := newFlagSet("report", "", "Render a status report of envelopes.")
	format := fs.String("format", "text", "Report format: json, text or xlsx")
	status := fs.String("status", "", "Only include envelopes in this status")
	limit := fs.Int("limit", 0, "Maximum number of envelopes (0 for all)")
	output := fs.String("o", "", "Output file (default stdout; required for xlsx)")
	verify := fs.Bool("verify", false, "Re-hash each envelope's document and include the result")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	f, err := report.ParseFormat(*format)
	if err != nil {
		return err
	}
	if _, ok := f.(report.XLSX); ok && *output == "" {
		return usageError("-o is required for xlsx reports")
	}

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		envs, err := a.service.List(ctx, envelope.ListOptions{Status: envelope.Status(*status), Limit: *limit})
		if err != nil {
			return err
		}
		var verifications map[string]*envelope.Verification
		if *verify {
			verifications = make(map[string]*envelope.Verification, len(envs))
			for _, env := range envs {
				v, err := a.service.VerifyDocument(ctx, env.ID)
				if v == nil {
					a.logger.Warn("could not verify envelope", zap.String("envelope_id", env.ID), zap.Error(err))
					continue
				}
				verifications[env.ID] = v
			}
		}
		r := report.Build(time.Now(), envs, verifications)

		var w io.Writer = stdout
		if *output != "" {
			file, err := os.Create(*output)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			defer file.Close()
			w = file
		}
		if err := report.Render(w, f, r); err != nil {
			return err
		}
		if *output != "" {
			fmt.Fprintf(stderr, "Wrote %s report with %d envelope(s) to %s\n", f.Name(), len(r.Envelopes), *output)
		}
		return nil
	})
}

// TemplateInfo describes one field template.
type TemplateInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles"`
	Fields      int      `json:"fields"`
}

// TemplatesCommand implements the 'templates' command.
func TemplatesCommand(args []string) error {
	fs, configPath := newFlagSet("templates", "", "List the built-in and configured field templates.")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	return withApp(*configPath, func(ctx context.Context, a *app) error {
		out := []TemplateInfo{}
		for _, name := range a.templates.Names() {
			t, err := a.templates.Lookup(name)
			if err != nil {
				return err
			}
			out = append(out, TemplateInfo{
				Name:        t.Name,
				Description: t.Description,
				Roles:       fields.Roles(t.Placements),
				Fields:      len(t.Placements),
			})
		}
		writeJSON(stdout, out)
		return nil
	})
}

// SweepCommand implements the 'sweep' command.
func SweepCommand(args []string) error {
	fs, configPath := newFlagSet("sweep", "",
		"Re-verify the documents of completed envelopes. Runs once by default;\n"+
			"with -watch it runs on the configured schedule until interrupted.")
	watch := fs.Bool("watch", false, "Keep running on a schedule")
	schedule := fs.String("schedule", "", "Cron schedule for -watch (default from configuration)")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		s := sweep.New(a.service,
			sweep.WithLogger(a.logger.Named("sweep")),
			sweep.WithLimit(a.cfg.Sweep.Limit))

		if !*watch {
			res, err := s.Run(ctx)
			if err != nil {
				return err
			}
			writeJSON(stdout, res)
			return sweepError(res)
		}

		spec := *schedule
		if spec == "" {
			spec = a.cfg.Sweep.Schedule
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := s.Start(spec); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		a.logger.Info("waiting for scheduled sweeps", zap.Time("next", s.Next()))
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if res := s.Last(); res != nil {
			writeJSON(stdout, res)
		}
		return nil
	})
}

func sweepError(res *sweep.Result) error {
	switch {
	case len(res.Mismatched) > 0:
		return fmt.Errorf("%w: %d of %d document(s) changed after signing", integrity.ErrHashMismatch, len(res.Mismatched), res.Checked)
	case len(res.Failed) > 0:
		return fmt.Errorf("%d of %d document(s) could not be verified", len(res.Failed), res.Checked)
	}
	return nil
}
