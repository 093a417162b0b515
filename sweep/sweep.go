// Package sweep re-verifies the stored documents of completed envelopes,
// once or on a cron schedule.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/integrity"
)

// ErrRunning is returned by Start when the scheduler is already running.
var ErrRunning = errors.New("sweep scheduler already running")

// Verifier is the part of envelope.Service the sweep needs.
type Verifier interface {
	List(ctx context.Context, opts envelope.ListOptions) ([]*envelope.Envelope, error)
	VerifyDocument(ctx context.Context, id string) (*envelope.Verification, error)
}

var _ Verifier = (*envelope.Service)(nil)

// Result summarizes one sweep.
type Result struct {
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Checked    int                      `json:"checked"`
	Verified   int                      `json:"verified"`
	Mismatched []*envelope.Verification `json:"mismatched"`
	// Failed maps envelope IDs to errors other than a hash mismatch, such
	// as a missing document.
	Failed map[string]string `json:"failed"`
}

// OK reports whether every checked document matched.
func (r *Result) OK() bool { return len(r.Mismatched) == 0 && len(r.Failed) == 0 }

// Sweeper verifies COMPLETED envelopes.
type Sweeper struct {
	verifier Verifier
	logger   *zap.Logger
	now      func() time.Time
	limit    int
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	last    *Result
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLimit caps the envelopes checked per run.
func WithLimit(n int) Option {
	return func(s *Sweeper) { s.limit = n }
}

// WithTimeout bounds each scheduled run.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns a Sweeper backed by v.
func New(v Verifier, opts ...Option) *Sweeper {
	s := &Sweeper{
		verifier: v,
		logger:   zap.NewNop(),
		now:      time.Now,
		timeout:  30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks every completed envelope once. Mismatches and per-envelope
// failures are collected in the Result; only a failure to list envelopes or
// a cancelled context returns an error.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	res := &Result{StartedAt: s.now().UTC(), Mismatched: []*envelope.Verification{}, Failed: map[string]string{}}
	envs, err := s.verifier.List(ctx, envelope.ListOptions{Status: envelope.StatusCompleted, Limit: s.limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list completed envelopes: %w", err)
	}
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		v, err := s.verifier.VerifyDocument(ctx, env.ID)
		switch {
		case err == nil:
			res.Verified++
		case errors.Is(err, integrity.ErrHashMismatch):
			res.Mismatched = append(res.Mismatched, v)
		default:
			res.Failed[env.ID] = err.Error()
			s.logger.Warn("sweep could not verify envelope", zap.String("envelope_id", env.ID), zap.Error(err))
		}
	}
	res.FinishedAt = s.now().UTC()

	log := s.logger.Info
	if !res.OK() {
		log = s.logger.Error
	}
	log("integrity sweep finished",
		zap.Int("checked", res.Checked),
		zap.Int("verified", res.Verified),
		zap.Int("mismatched", len(res.Mismatched)),
		zap.Int("failed", len(res.Failed)))

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}

// Last returns the result of the most recent completed run, or nil.
func (s *Sweeper) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start runs the sweep on the standard cron schedule spec until Stop is
// called. Overlapping runs are skipped.
func (s *Sweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, s.scheduled); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.logger.Info("starting integrity sweep", zap.String("schedule", spec))
	c.Start()
	s.cron = c
	s.running = true
	return nil
}

func (s *Sweeper) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("integrity sweep failed", zap.Error(err))
	}
}

// Next returns the next scheduled run, or the zero time when stopped.
func (s *Sweeper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	s.logger.Info("stopping integrity sweep")
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
