package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/store"
)

// GetKV reads one value. The second return reports whether the key exists.
func (r *Repository) GetKV(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT value FROM kv_state WHERE namespace = ? AND key = ?
	`), namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Storage("failed to read kv entry", err)
	}
	return value, true, nil
}

// SetKV writes one value, replacing any previous one.
func (r *Repository) SetKV(ctx context.Context, namespace, key, value string) error {
	if namespace == "" || key == "" {
		return errs.Validation("kv entry needs namespace and key")
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO kv_state (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`), namespace, key, value, now)
	if err != nil {
		return storeErr("failed to write kv entry", err)
	}
	return nil
}

// DeleteKV removes one value. Missing keys are not an error.
func (r *Repository) DeleteKV(ctx context.Context, namespace, key string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM kv_state WHERE namespace = ? AND key = ?
	`), namespace, key)
	if err != nil {
		return storeErr("failed to delete kv entry", err)
	}
	return nil
}

const (
	migrationNamespace   = "migrations"
	markerWebCwd         = "web-cwd-import"
	markerWebHistory     = "web-history-import"
	legacyWebNamespace   = "web"
	legacyCwdKey         = "cwd"
	legacyHistoryFile    = "web-history.json"
	legacyCwdFile        = "web-cwd.json"
	legacyDefaultSession = "default"
)

// importLegacyState migrates the JSON state files old builds kept next to the
// database. Each file is imported at most once, tracked by a marker row, and a
// file that fails to parse is skipped rather than blocking startup.
func (r *Repository) importLegacyState(dir string) error {
	ctx := context.Background()

	if done, err := r.markerSet(ctx, markerWebCwd); err != nil {
		return err
	} else if !done {
		r.importLegacyCwd(ctx, filepath.Join(dir, legacyCwdFile))
		if err := r.SetKV(ctx, migrationNamespace, markerWebCwd, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}

	if done, err := r.markerSet(ctx, markerWebHistory); err != nil {
		return err
	} else if !done {
		r.importLegacyHistory(ctx, filepath.Join(dir, legacyHistoryFile))
		if err := r.SetKV(ctx, migrationNamespace, markerWebHistory, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}

	return nil
}

func (r *Repository) markerSet(ctx context.Context, key string) (bool, error) {
	_, ok, err := r.GetKV(ctx, migrationNamespace, key)
	return ok, err
}

// importLegacyCwd accepts either a bare JSON string or an object with a "cwd"
// field. Anything else is ignored.
func (r *Repository) importLegacyCwd(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var cwd string
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		cwd = asString
	} else {
		var asObject struct {
			Cwd string `json:"cwd"`
		}
		if err := json.Unmarshal(raw, &asObject); err == nil {
			cwd = asObject.Cwd
		}
	}
	if cwd == "" {
		return
	}
	_ = r.SetKV(ctx, legacyWebNamespace, legacyCwdKey, cwd)
}

type legacyHistoryEntry struct {
	Role string          `json:"role"`
	Kind string          `json:"kind"`
	Text string          `json:"text"`
	Ts   json.RawMessage `json:"ts"`
}

// importLegacyHistory accepts either a flat entry array or an object keyed by
// session id. Entries with roles this build does not know are dropped.
func (r *Repository) importLegacyHistory(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	sessions := map[string][]legacyHistoryEntry{}
	var flat []legacyHistoryEntry
	if err := json.Unmarshal(raw, &flat); err == nil {
		sessions[legacyDefaultSession] = flat
	} else if err := json.Unmarshal(raw, &sessions); err != nil {
		return
	}

	for sessionID, entries := range sessions {
		if sessionID == "" {
			sessionID = legacyDefaultSession
		}
		for _, legacy := range entries {
			role := legacy.Role
			if role == "assistant" {
				role = "ai"
			}
			if !validHistoryRole(role) || legacy.Text == "" {
				continue
			}
			kind := legacy.Kind
			if !validHistoryKind(kind) {
				kind = ""
			}
			_ = r.AddHistoryEntry(ctx, &store.HistoryEntry{
				Namespace: legacyWebNamespace,
				SessionID: sessionID,
				Role:      role,
				Kind:      kind,
				Text:      legacy.Text,
				Timestamp: parseLegacyTimestamp(legacy.Ts),
			})
		}
	}
}

func parseLegacyTimestamp(raw json.RawMessage) time.Time {
	if len(raw) > 0 {
		var millis int64
		if err := json.Unmarshal(raw, &millis); err == nil && millis > 0 {
			return time.UnixMilli(millis).UTC()
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if ts, err := time.Parse(time.RFC3339, text); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Now().UTC()
}
