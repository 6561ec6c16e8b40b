package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/metrics"
	"github.com/m3r33/izues/internal/relay"
)

// Connector opens relay sessions. relay.Registry implements it.
type Connector interface {
	Connect(ctx context.Context, cfg relay.Config) (relay.Session, error)
}

// worker sends assigned chunks over one session per chunk.
type worker struct {
	connector      Connector
	msg            *message.Message
	connectTimeout time.Duration
	sendTimeout    time.Duration
	logger         *slog.Logger
}

// run connects to the assignment's relay and sends to every recipient of the
// chunk in order. It returns exactly one result per record. A recipient
// failure does not stop the chunk; a connection failure fails every record
// without a send attempt.
func (w *worker) run(ctx context.Context, a Assignment) []Result {
	kind := a.Relay.NormalizedKind()
	logger := w.logger.With("relay", a.Relay.String(), "chunk", a.Index)
	results := make([]Result, 0, len(a.Chunk))

	start := time.Now()
	connectCtx, cancel := withTimeout(ctx, w.connectTimeout)
	sess, err := w.connector.Connect(connectCtx, a.Relay)
	cancel()
	metrics.RelayConnectObserve(kind, err, start)

	if err != nil {
		logger.Warn("relay connection failed",
			"error", err,
			"recipients", len(a.Chunk),
		)
		for _, r := range a.Chunk {
			results = append(results, failedResult(r, err))
			metrics.RecipientObserve(kind, false)
		}
		return results
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("failed to close relay session", "error", err)
		}
	}()

	for _, r := range a.Chunk {
		sendCtx, cancel := withTimeout(ctx, w.sendTimeout)
		err := sess.Send(sendCtx, w.msg, r.Email)
		cancel()

		if err != nil {
			logger.Warn("failed to send email",
				"to", r.Email,
				"error", err,
			)
			results = append(results, failedResult(r, err))
			metrics.RecipientObserve(kind, false)
			continue
		}

		logger.Debug("email sent", "to", r.Email)
		results = append(results, sentResult(r))
		metrics.RecipientObserve(kind, true)
	}
	return results
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
