// Package analytics implements the append-only activity sink: every
// operation status transition, and every keep-alive sweep summary, is
// written to ClickHouse as a flat event row. This is purely additive
// observability — nothing written here is ever read back by the rest of
// this core, so a sink outage degrades visibility, never correctness.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/observability/xlog"
	"github.com/dealerops/workercore/pkg/storage/xclickhouse"
)

// EventKind names what RecordedEvent describes.
type EventKind string

const (
	EventOperationTransition EventKind = "operation_transition"
	EventKeepaliveCycle      EventKind = "keepalive_cycle"
)

// RecordedEvent is one row of the activity table. Field order matches the
// table's column order so a positional INSERT and this struct's ch tags
// stay consistent.
type RecordedEvent struct {
	EventID       string    `ch:"event_id"`
	Kind          string    `ch:"kind"`
	OperationID   string    `ch:"operation_id"`
	OperationType string    `ch:"operation_type"`
	AccountID     string    `ch:"account_id"`
	UserID        string    `ch:"user_id"`
	FromStatus    string    `ch:"from_status"`
	ToStatus      string    `ch:"to_status"`
	Message       string    `ch:"message"`
	OccurredAt    time.Time `ch:"occurred_at"`
}

// Sink writes RecordedEvents to ClickHouse, one row per call. Calls are
// not batched client-side beyond a single row per INSERT — this activity
// stream intentionally trades insert efficiency for low latency between an
// event happening and it being visible to an admin, matching what a
// purely-additive audit trail needs most.
type Sink struct {
	ch     xclickhouse.ClickHouse
	table  string
	logger xlog.Logger
}

// New builds a Sink over an already-open ClickHouse connection, writing
// to table.
func New(ch xclickhouse.ClickHouse, table string, logger xlog.Logger) *Sink {
	return &Sink{ch: ch, table: table, logger: logger}
}

// RecordTransition logs one operation status change. Failures are logged
// and otherwise swallowed: a dropped audit row must never fail the
// operation that produced it.
func (s *Sink) RecordTransition(ctx context.Context, op domain.Operation, from, to domain.Status, message string) {
	s.insert(ctx, RecordedEvent{
		EventID:       uuid.NewString(),
		Kind:          string(EventOperationTransition),
		OperationID:   op.ID,
		OperationType: string(op.Type),
		AccountID:     op.LeasedAccountID,
		UserID:        op.UserID,
		FromStatus:    string(from),
		ToStatus:      string(to),
		Message:       message,
		OccurredAt:    time.Now(),
	})
}

// RecordKeepaliveCycle logs one completed keep-alive sweep's outcome
// counts as a single summary row.
func (s *Sink) RecordKeepaliveCycle(ctx context.Context, succeeded, failed, skipped int, ranAt time.Time) {
	s.insert(ctx, RecordedEvent{
		EventID:    uuid.NewString(),
		Kind:       string(EventKeepaliveCycle),
		Message:    cycleSummary(succeeded, failed, skipped),
		OccurredAt: ranAt,
	})
}

func (s *Sink) insert(ctx context.Context, event RecordedEvent) {
	_, err := s.ch.BatchInsert(ctx, s.table, []any{event}, xclickhouse.BatchOptions{BatchSize: 1})
	if err != nil {
		s.logger.Warn(ctx, "analytics: event insert failed",
			slog.String("kind", event.Kind), slog.String("eventId", event.EventID), slog.String("error", err.Error()))
	}
}

func cycleSummary(succeeded, failed, skipped int) string {
	return fmt.Sprintf("succeeded=%d failed=%d skipped=%d", succeeded, failed, skipped)
}
