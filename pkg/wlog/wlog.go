// Package wlog implements the level-gated logging sink backed by wh_log
// (spec component C13), exposed as a log/slog.Handler so application code
// logs through the standard library's logging facade, matching the
// teacher's own use of log/slog throughout pkg/queue and pkg/cleanup.
package wlog

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Level mirrors settings.sql_log_level: 0=Debug, 1=Info, 2=Warning, 3=Error.
type Level int

const (
	LevelDebug   Level = 0
	LevelInfo    Level = 1
	LevelWarning Level = 2
	LevelError   Level = 3
)

func levelFromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarning
	default:
		return LevelError
	}
}

// Handler is a slog.Handler that writes log_event calls to the database,
// gated server-side against wh_settings.sql_log_level so a verbose local
// log level costs nothing once an operator raises the threshold in the
// shared table.
type Handler struct {
	db     *stdsql.DB
	source string
	attrs  []slog.Attr
	group  string
}

// NewHandler returns a Handler that tags every record with source (e.g.
// the service name) for the log_event SQL function's `source` column.
func NewHandler(db *stdsql.DB, source string) *Handler {
	return &Handler{db: db, source: source}
}

// Enabled always returns true: the real gating happens inside the
// log_event SQL function so every instance's effective level stays in
// sync without a config push.
func (h *Handler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle persists one log record via the log_event SQL function.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	metadata := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		metadata[a.Key] = a.Value.Any()
	}
	var eventID, messageID uuid.NullUUID
	var eventType string
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "event_id":
			eventID = parseNullUUID(a.Value.String())
		case "message_id":
			messageID = parseNullUUID(a.Value.String())
		case "event_type":
			eventType = a.Value.String()
		default:
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			metadata[key] = a.Value.Any()
		}
		return true
	})

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("wlog: marshal metadata: %w", err)
	}
	if len(metadata) == 0 {
		metadataJSON = nil
	}

	_, err = h.db.ExecContext(ctx, `SELECT log_event($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		int(levelFromSlog(r.Level)), h.source, r.Message, eventID, messageID, eventType, nullableJSON(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("wlog: log_event: %w", err)
	}
	return nil
}

// WithAttrs returns a new Handler carrying the given attrs on every
// subsequent record, per the slog.Handler contract.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup namespaces subsequent attribute keys under name.
func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group = next.group + "." + name
	}
	return &next
}

func parseNullUUID(s string) uuid.NullUUID {
	if s == "" {
		return uuid.NullUUID{}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
