package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID   int64
	Operation string
	Entity    string
	EntityID  string
	Before    any
	After     any
	Reason    string
	At        time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool, logger *slog.Logger) *AuditLogger {
	return &AuditLogger{pool: pool, logger: logger}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Operation == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires operation/entity/entity_id")
	}
	beforeJSON, err := json.Marshal(log.Before)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(log.After)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, operation, entity, entity_id, before_state, after_state, reason, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		log.ActorID, log.Operation, log.Entity, log.EntityID, beforeJSON, afterJSON, log.Reason, log.At)
	return err
}

// RecordAsync fires the audit write without blocking the caller. Audit
// failures never roll back the mutation that triggered them.
func (l *AuditLogger) RecordAsync(ctx context.Context, log AuditLog) {
	if l == nil {
		return
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.Record(writeCtx, log); err != nil && l.logger != nil {
			l.logger.Warn("audit write failed", slog.String("entity", log.Entity), slog.Any("error", err))
		}
	}()
}
