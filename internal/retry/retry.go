// Package retry drains the backlog on a cron schedule by running the engine
// with no new recipients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/m3r33/izues/internal/dispatch"
	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/recipient"
	"github.com/m3r33/izues/internal/relay"
)

// ErrNoRelays is returned by New when the schedule has no relays to send through.
var ErrNoRelays = errors.New("retry schedule requires at least one relay")

// Runner executes a dispatch run. *dispatch.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req dispatch.Request) (*dispatch.Report, error)
}

// Config describes the scheduled retry runs.
type Config struct {
	// Schedule is a cron expression with optional seconds field, or a
	// descriptor such as "@hourly" or "@every 30m".
	Schedule string

	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration

	Message message.Message
	Relays  []relay.Config

	// Location is the time zone the schedule is evaluated in. Defaults to
	// time.Local.
	Location *time.Location
}

// Scheduler triggers backlog-only runs.
type Scheduler struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// New validates cfg and creates a Scheduler. It does not start it.
func New(cfg Config, runner Runner, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Relays) == 0 {
		return nil, ErrNoRelays
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retry schedule %q: %w", cfg.Schedule, err)
	}

	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		log:    log,
		parser: parser,
	}, nil
}

// Start begins firing runs. Runs use ctx, so cancelling it aborts a run in
// progress. A tick that fires while the previous run is still going is
// skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	s.c = c
	c.Start()
	s.log.Info("backlog retry scheduled",
		"schedule", s.cfg.Schedule,
		"relays", len(s.cfg.Relays),
		"tz", s.cfg.Location.String(),
	)
	return nil
}

// Stop stops the schedule and waits for a running retry to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.log.Info("backlog retry stopped")
	}
}

// RunOnce runs a single backlog-only dispatch.
func (s *Scheduler) RunOnce(ctx context.Context) (*dispatch.Report, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	report, err := s.runner.Run(ctx, dispatch.Request{
		Message: s.cfg.Message,
		Entries: []recipient.Entry{},
		Relays:  s.cfg.Relays,
	})
	if err != nil {
		s.log.Error("backlog retry failed", "error", err)
		return nil, err
	}

	s.log.Info("backlog retry finished",
		"label", report.Label,
		"sent", report.TotalSent,
		"failed", report.TotalFailed,
		"unsent", report.TotalUnsent,
	)
	return report, nil
}
