package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"modernwms.org/internal/auth"
	"modernwms.org/internal/obs"
)

const defaultWriteTimeout = 5 * time.Second

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder is the best-effort audit sink. Every entry is written as a
// structured log line and appended to the store; append failures are logged
// and counted but never reach the caller.
type Recorder struct {
	store   auth.AuditStore
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

var _ auth.AuditSink = (*Recorder)(nil)

// Option configures Recorder.
type Option func(*Recorder)

// WithLogger overrides the logger used for audit lines and failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout bounds each store append.
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder builds a recorder. A nil store only logs.
func NewRecorder(store auth.AuditStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  obs.Logger(),
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends the entry. The write is detached from the caller's
// cancellation: once the documented operation committed, its audit entry
// must still be written if the client goes away.
func (r *Recorder) Record(ctx context.Context, entry auth.AuditEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ActorID == "" {
		if userID, ok := auth.UserIDFromContext(ctx); ok {
			entry.ActorID = userID
		} else {
			entry.ActorID = "SYSTEM"
		}
	}
	attrs := []any{
		slog.String("type", "audit"),
		slog.String("entity", entry.Entity),
		slog.String("record_id", entry.RecordID),
		slog.String("action", entry.Action),
		slog.String("actor_id", entry.ActorID),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	r.logger.Info("audit", attrs...)

	if r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.Append(wctx, &entry); err != nil {
		obs.ObserveAuditFailure()
		r.logger.Error("audit write failed",
			slog.String("entity", entry.Entity),
			slog.String("record_id", entry.RecordID),
			slog.String("action", entry.Action),
			slog.Any("error", err),
		)
	}
}
