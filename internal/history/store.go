package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nova-desk/nova/internal/plugin"
)

const (
	defaultRecentLimit = 50
	pingTimeout        = 2 * time.Second
)

// Entry is one recorded lifecycle event
type Entry struct {
	ID           int64     `json:"id"`
	PluginID     string    `json:"plugin_id"`
	Type         string    `json:"type"`
	Message      string    `json:"message,omitempty"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store records plugin lifecycle events. It is a plugin.Notifier; data
// messages are not recorded.
type Store struct {
	db *DB
}

// NewStore upgrades the schema and returns a store backed by db
func NewStore(ctx context.Context, db *DB) (*Store, error) {
	applied, err := upgradeSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		db.logger.Info("History schema upgraded", "applied", applied)
	}
	return &Store{db: db}, nil
}

// Ping reports whether the history database answers within timeout
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach history database: %w", err)
	}
	return nil
}

// Record inserts one event
func (s *Store) Record(ctx context.Context, e plugin.Event) error {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_events (plugin_id, type, message, restart_count, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.PluginID, string(e.Type), e.Message, e.RestartCount, e.ExitCode, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Recent returns up to limit events for a plugin, newest first
func (s *Store) Recent(ctx context.Context, pluginID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_id, type, message, restart_count, exit_code, created_at
		FROM plugin_events
		WHERE plugin_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.PluginID, &e.Type, &e.Message, &e.RestartCount, &e.ExitCode, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns how many events of the given type a plugin has recorded
func (s *Store) Count(ctx context.Context, pluginID string, typ plugin.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM plugin_events WHERE plugin_id = ? AND type = ?",
		pluginID, string(typ),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Prune removes every event of a plugin
func (s *Store) Prune(ctx context.Context, pluginID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM plugin_events WHERE plugin_id = ?", pluginID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// PluginEvent records e. A deleted plugin's history is pruned instead.
func (s *Store) PluginEvent(e plugin.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if e.Type == plugin.EventDeleted {
		if _, err := s.Prune(ctx, e.PluginID); err != nil {
			s.db.logger.Warn("Failed to prune plugin history", "id", e.PluginID, "error", err)
		}
		return
	}
	if err := s.Record(ctx, e); err != nil {
		s.db.logger.Warn("Failed to record plugin event", "id", e.PluginID, "type", e.Type, "error", err)
	}
}

// PluginData implements plugin.Notifier
func (s *Store) PluginData(string, string, json.RawMessage) {}

var _ plugin.Notifier = (*Store)(nil)
