// Package dispatch implements the bulk dispatch engine: it merges new
// recipients with the persisted backlog, partitions them into quota-sized
// chunks, sends each chunk through its own relay and rewrites the backlog
// with every recipient that was not delivered.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/metrics"
	"github.com/m3r33/izues/internal/recipient"
	"github.com/m3r33/izues/internal/relay"
)

// State is the phase of the current run.
type State int32

const (
	StateIdle State = iota
	StateLoadingBacklog
	StateNormalizing
	StatePartitioning
	StateScheduling
	StateDispatching
	StatePersisting
	StateReporting
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateLoadingBacklog: "loading_backlog",
	StateNormalizing:    "normalizing",
	StatePartitioning:   "partitioning",
	StateScheduling:     "scheduling",
	StateDispatching:    "dispatching",
	StatePersisting:     "persisting",
	StateReporting:      "reporting",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// BacklogStore persists recipients that must be retried by the next run.
type BacklogStore interface {
	Load(ctx context.Context) ([]recipient.Entry, error)
	Save(ctx context.Context, records []recipient.Record) error
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	// Quota is the number of recipients each relay sends per run.
	Quota int

	// ConnectTimeout bounds connecting and authenticating to a relay.
	ConnectTimeout time.Duration

	// SendTimeout bounds a single recipient's send.
	SendTimeout time.Duration

	// MaxParallel caps concurrently running relay workers. Zero means one
	// worker per attempted chunk.
	MaxParallel int

	Logger *slog.Logger

	// Now returns the run start time; it defaults to time.Now.
	Now func() time.Time
}

// Request is one dispatch run's input.
type Request struct {
	Message message.Message

	// Entries are the new recipients. A nil slice means the list is
	// missing; an empty slice asks for a backlog-only run.
	Entries []recipient.Entry

	Relays []relay.Config
}

// Validate checks the request before any I/O happens.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Message.From) == "" ||
		strings.TrimSpace(r.Message.Subject) == "" ||
		strings.TrimSpace(r.Message.HTMLBody) == "" ||
		r.Entries == nil {
		return &ValidationError{Err: ErrMissingFields}
	}
	if len(r.Relays) == 0 {
		return &ValidationError{Err: ErrNoRelays}
	}
	return nil
}

// RunSummary describes the most recently finished run.
type RunSummary struct {
	Label       string    `json:"label"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	TotalSent   int       `json:"totalSent"`
	TotalFailed int       `json:"totalFailed"`
	TotalUnsent int       `json:"totalUnsent"`
	Error       string    `json:"error,omitempty"`
}

// Engine runs dispatches against one backlog. Runs are serialized: a Run
// started while another is in progress waits for it to finish.
type Engine struct {
	store     BacklogStore
	connector Connector
	opts      Options
	logger    *slog.Logger

	mu sync.Mutex
	// labelMillis is the timestamp behind the previous run label, guarded
	// by mu.
	labelMillis int64

	state atomic.Int32
	last  atomic.Pointer[RunSummary]
}

// NewEngine creates an Engine that persists to store and reaches relays
// through connector.
func NewEngine(store BacklogStore, connector Connector, opts Options) *Engine {
	if opts.Quota < 1 {
		opts.Quota = DefaultQuota
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     store,
		connector: connector,
		opts:      opts,
		logger:    opts.Logger,
	}
}

// State returns the phase of the current run, or the outcome of the last one.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastRun returns the summary of the last finished run, or nil.
func (e *Engine) LastRun() *RunSummary {
	return e.last.Load()
}

// Run executes one dispatch. Validation failures return a *ValidationError
// and touch nothing. A backlog read failure is logged and treated as an
// empty backlog. A backlog write failure returns a *PersistenceError after
// the sends have happened; sent messages are never rolled back.
//
// Cancelling ctx aborts in-flight relay I/O; the affected recipients are
// recorded as failed and still persisted.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		metrics.RunObserve("invalid", time.Now())
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	startedAt := e.opts.Now()
	label := e.nextLabel(startedAt)
	logger := e.logger.With("label", label)

	e.setState(StateLoadingBacklog)
	backlog, err := e.store.Load(ctx)
	if err != nil {
		logger.Warn("failed to load backlog, continuing without it", "error", err)
		backlog = nil
	}

	e.setState(StateNormalizing)
	entries := make([]recipient.Entry, 0, len(backlog)+len(req.Entries))
	entries = append(entries, backlog...)
	entries = append(entries, req.Entries...)
	records, dropped := recipient.Normalize(entries, label)
	if dropped > 0 {
		logger.Debug("dropped malformed recipient entries", "count", dropped)
	}

	e.setState(StatePartitioning)
	chunks := Partition(records, e.opts.Quota)

	e.setState(StateScheduling)
	assignments, deferred, err := Assign(chunks, req.Relays)
	if err != nil {
		return nil, e.fail(startedAt, label, &ValidationError{Err: err})
	}

	logger.Info("dispatch started",
		"recipients", len(records),
		"backlog", len(backlog),
		"chunks", len(chunks),
		"relays", len(req.Relays),
		"deferred_chunks", len(deferred),
	)

	e.setState(StateDispatching)
	results := e.dispatch(ctx, &req.Message, assignments)

	e.setState(StatePersisting)
	report := Aggregate(results, deferred)
	report.Label = label
	report.Dropped = dropped

	// The backlog must be written even if the caller has gone away.
	if err := e.store.Save(context.WithoutCancel(ctx), report.Unsent); err != nil {
		perr := &PersistenceError{Err: err}
		if p, ok := e.store.(interface{ Path() string }); ok {
			perr.Path = p.Path()
		}
		return nil, e.fail(startedAt, label, perr)
	}
	metrics.BacklogSet(len(report.Unsent))
	metrics.DeferredAdd(report.TotalUnsent - report.TotalFailed)

	e.setState(StateReporting)
	logger.Info("dispatch finished",
		"sent", report.TotalSent,
		"failed", report.TotalFailed,
		"unsent", report.TotalUnsent,
		"duration", time.Since(startedAt),
	)
	e.last.Store(&RunSummary{
		Label:       label,
		StartedAt:   startedAt,
		FinishedAt:  e.opts.Now(),
		TotalSent:   report.TotalSent,
		TotalFailed: report.TotalFailed,
		TotalUnsent: report.TotalUnsent,
	})
	metrics.RunObserve("ok", startedAt)

	e.setState(StateIdle)
	return report, nil
}

// dispatch runs one worker per assignment concurrently and merges their
// results in assignment order. Workers never return errors, so one relay's
// failure never cancels another.
func (e *Engine) dispatch(ctx context.Context, msg *message.Message, assignments []Assignment) []Result {
	if len(assignments) == 0 {
		return nil
	}

	w := &worker{
		connector:      e.connector,
		msg:            msg,
		connectTimeout: e.opts.ConnectTimeout,
		sendTimeout:    e.opts.SendTimeout,
		logger:         e.logger,
	}

	perWorker := make([][]Result, len(assignments))

	var g errgroup.Group
	g.SetLimit(e.parallelism(len(assignments)))
	for i, a := range assignments {
		g.Go(func() error {
			perWorker[i] = w.run(ctx, a)
			return nil
		})
	}
	g.Wait()

	var results []Result
	for _, rs := range perWorker {
		results = append(results, rs...)
	}
	return results
}

func (e *Engine) parallelism(n int) int {
	if e.opts.MaxParallel > 0 && e.opts.MaxParallel < n {
		return e.opts.MaxParallel
	}
	return n
}

// nextLabel returns the run label for t, moved forward by a millisecond when
// it would not be later than the previous run's. Callers hold mu.
func (e *Engine) nextLabel(t time.Time) string {
	ms := max(t.UnixMilli(), e.labelMillis+1)
	e.labelMillis = ms
	return recipient.RunLabel(time.UnixMilli(ms))
}

func (e *Engine) fail(startedAt time.Time, label string, err error) error {
	e.setState(StateFailed)
	e.logger.Error("dispatch failed", "label", label, "error", err)
	e.last.Store(&RunSummary{
		Label:      label,
		StartedAt:  startedAt,
		FinishedAt: e.opts.Now(),
		Error:      err.Error(),
	})
	metrics.RunObserve("failed", startedAt)
	return err
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}
