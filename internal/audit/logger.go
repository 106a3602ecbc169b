package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"awgctl/internal/logging"
	"awgctl/internal/model"
)

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, e model.AuditEntry) error
}

// Logger stamps entries with an id and time, emits an AUDIT log line and
// persists them.
type Logger struct {
	writer Writer
	logger *logging.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger. A nil writer only logs.
func NewLogger(writer Writer, logger *logging.Logger) *Logger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Logger{writer: writer, logger: logger, now: time.Now}
}

// Record logs and persists one entry.
func (l *Logger) Record(ctx context.Context, principal, action, outcome, detail string) (model.AuditEntry, error) {
	e := model.AuditEntry{
		ID:        uuid.New().String(),
		Principal: principal,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: l.now().UTC(),
	}

	args := []any{"id", e.ID, "principal", e.Principal, "action", e.Action, "outcome", e.Outcome}
	if e.Detail != "" {
		args = append(args, "detail", e.Detail)
	}
	if e.Outcome == model.OutcomeOK {
		l.logger.Info("AUDIT", args...)
	} else {
		l.logger.Warn("AUDIT", args...)
	}

	if l.writer == nil {
		return e, nil
	}
	if err := l.writer.Write(ctx, e); err != nil {
		l.logger.Error("failed to persist audit entry", "id", e.ID, "error", err)
		return e, err
	}
	return e, nil
}
