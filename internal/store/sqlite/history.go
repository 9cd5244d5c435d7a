package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/stringutil"
	"github.com/adsdev/ads/internal/store"
)

func validHistoryRole(role string) bool {
	switch role {
	case "user", "ai", "status":
		return true
	}
	return false
}

func validHistoryKind(kind string) bool {
	switch kind {
	case "", "command", "error", "status":
		return true
	}
	return false
}

// AddHistoryEntry appends one entry and prunes the session ring down to the
// configured size. Text longer than the configured cap is cut.
func (r *Repository) AddHistoryEntry(ctx context.Context, entry *store.HistoryEntry) error {
	if entry.Namespace == "" || entry.SessionID == "" {
		return errs.Validation("history entry needs namespace and session id")
	}
	if !validHistoryRole(entry.Role) {
		return errs.Newf(errs.KindValidation, "unknown history role %q", entry.Role)
	}
	if !validHistoryKind(entry.Kind) {
		return errs.Newf(errs.KindValidation, "unknown history kind %q", entry.Kind)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Text = stringutil.TruncateRunes(entry.Text, r.opts.MaxHistoryTextLen)

	var kind interface{}
	if entry.Kind != "" {
		kind = entry.Kind
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Storage("failed to begin history transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO history_entries (namespace, session_id, role, kind, text, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.Namespace, entry.SessionID, entry.Role, kind, entry.Text, entry.Timestamp)
	if err != nil {
		return storeErr("failed to insert history entry", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM history_entries
		WHERE namespace = ? AND session_id = ? AND id NOT IN (
			SELECT id FROM history_entries
			WHERE namespace = ? AND session_id = ?
			ORDER BY id DESC LIMIT ?
		)
	`), entry.Namespace, entry.SessionID, entry.Namespace, entry.SessionID, r.opts.MaxHistoryEntries)
	if err != nil {
		return storeErr("failed to prune history ring", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage("failed to commit history entry", err)
	}
	return nil
}

func (r *Repository) scanHistoryRows(rows *sql.Rows) ([]*store.HistoryEntry, error) {
	var entries []*store.HistoryEntry
	for rows.Next() {
		entry := &store.HistoryEntry{}
		var kind sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Namespace, &entry.SessionID, &entry.Role, &kind, &entry.Text, &entry.Timestamp); err != nil {
			return nil, errs.Storage("failed to scan history entry", err)
		}
		if kind.Valid {
			entry.Kind = kind.String
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate history entries", err)
	}
	return entries, nil
}

// GetHistory returns the most recent entries of a session in insert order.
// limit <= 0 returns up to the ring size.
func (r *Repository) GetHistory(ctx context.Context, namespace, sessionID string, limit int) ([]*store.HistoryEntry, error) {
	if limit <= 0 {
		limit = r.opts.MaxHistoryEntries
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, namespace, session_id, role, kind, text, ts FROM (
			SELECT id, namespace, session_id, role, kind, text, ts
			FROM history_entries
			WHERE namespace = ? AND session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`), namespace, sessionID, limit)
	if err != nil {
		return nil, errs.Storage("failed to load history", err)
	}
	defer rows.Close()
	return r.scanHistoryRows(rows)
}

// SearchHistory returns entries whose text contains the query, newest first.
func (r *Repository) SearchHistory(ctx context.Context, namespace, sessionID, query string, limit int) ([]*store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, namespace, session_id, role, kind, text, ts
		FROM history_entries
		WHERE namespace = ? AND session_id = ? AND text LIKE ? ESCAPE '\'
		ORDER BY id DESC LIMIT ?
	`), namespace, sessionID, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, errs.Storage("failed to search history", err)
	}
	defer rows.Close()
	return r.scanHistoryRows(rows)
}

// ClearHistory removes every entry of one session.
func (r *Repository) ClearHistory(ctx context.Context, namespace, sessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM history_entries WHERE namespace = ? AND session_id = ?
	`), namespace, sessionID)
	if err != nil {
		return storeErr("failed to clear history", err)
	}
	return nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
