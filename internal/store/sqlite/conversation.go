package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/store"
)

// CreateConversation inserts a conversation, generating an id when absent.
func (r *Repository) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Status == "" {
		conv.Status = store.ConversationActive
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversations (id, task_id, title, total_tokens, last_model, model_response_ids, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.TaskID, conv.Title, conv.TotalTokens, conv.LastModel,
		marshalStringMap(conv.ModelResponseIDs), conv.Status, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return storeErr("failed to insert conversation", err)
	}
	return nil
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	conv := &store.Conversation{}
	var taskID sql.NullString
	var responseIDs string
	err := row.Scan(&conv.ID, &taskID, &conv.Title, &conv.TotalTokens, &conv.LastModel,
		&responseIDs, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if taskID.Valid {
		conv.TaskID = &taskID.String
	}
	if responseIDs != "" {
		_ = json.Unmarshal([]byte(responseIDs), &conv.ModelResponseIDs)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (r *Repository) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, title, total_tokens, last_model, model_response_ids, status, created_at, updated_at
		FROM conversations WHERE id = ?
	`), id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("conversation", id)
	}
	if err != nil {
		return nil, errs.Storage("failed to load conversation", err)
	}
	return conv, nil
}

// UpdateConversation persists title, model bookkeeping and status.
func (r *Repository) UpdateConversation(ctx context.Context, conv *store.Conversation) error {
	conv.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations
		SET title = ?, total_tokens = ?, last_model = ?, model_response_ids = ?, status = ?, updated_at = ?
		WHERE id = ?
	`), conv.Title, conv.TotalTokens, conv.LastModel, marshalStringMap(conv.ModelResponseIDs),
		conv.Status, conv.UpdatedAt, conv.ID)
	if err != nil {
		return storeErr("failed to update conversation", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errs.NotFound("conversation", conv.ID)
	}
	return nil
}

// AddConversationTokens bumps the running token total and remembers the
// last model that produced output.
func (r *Repository) AddConversationTokens(ctx context.Context, id string, tokens int, model string) error {
	if tokens < 0 {
		return errs.Validation("token count must not be negative")
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations
		SET total_tokens = total_tokens + ?,
			last_model = CASE WHEN ? != '' THEN ? ELSE last_model END,
			updated_at = ?
		WHERE id = ?
	`), tokens, model, model, time.Now().UTC(), id)
	if err != nil {
		return storeErr("failed to add conversation tokens", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errs.NotFound("conversation", id)
	}
	return nil
}

// SetModelResponseID records the backend response id for one agent, used to
// resume provider-side threads.
func (r *Repository) SetModelResponseID(ctx context.Context, convID, agentID, responseID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Storage("failed to begin response id transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT model_response_ids FROM conversations WHERE id = ?`), convID).Scan(&raw)
	if err == sql.ErrNoRows {
		return errs.NotFound("conversation", convID)
	}
	if err != nil {
		return errs.Storage("failed to load response ids", err)
	}

	ids := map[string]string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &ids)
	}
	ids[agentID] = responseID

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversations SET model_response_ids = ?, updated_at = ? WHERE id = ?
	`), marshalStringMap(ids), time.Now().UTC(), convID); err != nil {
		return storeErr("failed to store response id", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage("failed to commit response id", err)
	}
	return nil
}

// AddConversationMessage appends one message to a conversation.
func (r *Repository) AddConversationMessage(ctx context.Context, msg *store.ConversationMessage) error {
	if msg.ConversationID == "" {
		return errs.Validation("conversation message needs a conversation id")
	}
	if msg.Content == "" {
		return errs.Validation("conversation message content must not be empty")
	}
	if !validRole(msg.Role) {
		return errs.Newf(errs.KindValidation, "unknown message role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversation_messages (id, conversation_id, task_id, role, content, message_type, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.ConversationID, msg.TaskID, msg.Role, msg.Content, msg.MessageType, msg.ModelUsed, msg.CreatedAt)
	if err != nil {
		return storeErr("failed to insert conversation message", err)
	}
	return nil
}

// ListConversationMessages returns a conversation's messages oldest first.
// limit <= 0 returns everything.
func (r *Repository) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*store.ConversationMessage, error) {
	query := `
		SELECT id, conversation_id, task_id, role, content, message_type, model_used, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, errs.Storage("failed to list conversation messages", err)
	}
	defer rows.Close()

	var msgs []*store.ConversationMessage
	for rows.Next() {
		msg := &store.ConversationMessage{}
		var taskID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &taskID, &msg.Role, &msg.Content,
			&msg.MessageType, &msg.ModelUsed, &msg.CreatedAt); err != nil {
			return nil, errs.Storage("failed to scan conversation message", err)
		}
		if taskID.Valid {
			msg.TaskID = &taskID.String
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate conversation messages", err)
	}
	return msgs, nil
}

// GetModelConfig returns the stored model selection for one agent.
func (r *Repository) GetModelConfig(ctx context.Context, agentID string) (*store.ModelConfig, error) {
	cfg := &store.ModelConfig{}
	var params string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT agent_id, model, params, updated_at FROM model_configs WHERE agent_id = ?
	`), agentID).Scan(&cfg.AgentID, &cfg.Model, &params, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("model config", agentID)
	}
	if err != nil {
		return nil, errs.Storage("failed to load model config", err)
	}
	if params != "" {
		_ = json.Unmarshal([]byte(params), &cfg.Params)
	}
	return cfg, nil
}

// SetModelConfig upserts the model selection for one agent.
func (r *Repository) SetModelConfig(ctx context.Context, cfg *store.ModelConfig) error {
	if cfg.AgentID == "" {
		return errs.Validation("model config needs an agent id")
	}
	if cfg.Model == "" {
		return errs.Validation("model config needs a model")
	}
	cfg.UpdatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO model_configs (agent_id, model, params, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET model = excluded.model, params = excluded.params, updated_at = excluded.updated_at
	`), cfg.AgentID, cfg.Model, marshalStringMap(cfg.Params), cfg.UpdatedAt)
	if err != nil {
		return storeErr("failed to store model config", err)
	}
	return nil
}

// ListModelConfigs returns every stored model selection.
func (r *Repository) ListModelConfigs(ctx context.Context) ([]*store.ModelConfig, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT agent_id, model, params, updated_at FROM model_configs ORDER BY agent_id`)
	if err != nil {
		return nil, errs.Storage("failed to list model configs", err)
	}
	defer rows.Close()

	var configs []*store.ModelConfig
	for rows.Next() {
		cfg := &store.ModelConfig{}
		var params string
		if err := rows.Scan(&cfg.AgentID, &cfg.Model, &params, &cfg.UpdatedAt); err != nil {
			return nil, errs.Storage("failed to scan model config", err)
		}
		if params != "" {
			_ = json.Unmarshal([]byte(params), &cfg.Params)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate model configs", err)
	}
	return configs, nil
}
