package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/loanagent/internal/audit"
)

// APILog is one row of api_logs.
type APILog struct {
	ID              int64           `json:"id"`
	ChatID          string          `json:"chat_id"`
	UserID          string          `json:"user_id"`
	SystemPrompt    string          `json:"system_prompt"`
	MemoryPrompt    string          `json:"memory_prompt"`
	UserMessage     string          `json:"user_message"`
	ModelResponse   string          `json:"model_response"`
	ValidationType  string          `json:"validation_type"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ModelName       string          `json:"model_name"`
	TokenPrompt     int             `json:"token_prompt"`
	TokenCompletion int             `json:"token_completion"`
	TokenTotal      int             `json:"token_total"`
	RetryCount      int             `json:"retry_count"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// LogQuery filters RecentLogs.
type LogQuery struct {
	// Search matches chat, user, model, message and response text.
	Search string
	Limit  int // Default: 15
	Offset int
}

var _ audit.Sink = (*Store)(nil)

// WriteAttempt appends an attempt to api_logs.
func (s *Store) WriteAttempt(ctx context.Context, attempt *audit.Attempt) error {
	if attempt == nil {
		return nil
	}

	meta := map[string]any{
		"attempt_id": attempt.ID,
		"role":       attempt.Role,
		"outcome":    string(attempt.Outcome),
	}
	if attempt.Model.Provider != "" {
		meta["provider"] = attempt.Model.Provider
	}
	if attempt.Model.KeyHint != "" {
		meta["key"] = attempt.Model.KeyHint
	}
	if attempt.Diagnostics != "" {
		if json.Valid([]byte(attempt.Diagnostics)) {
			meta["diagnostics"] = json.RawMessage(attempt.Diagnostics)
		} else {
			meta["diagnostics"] = attempt.Diagnostics
		}
	}
	if attempt.Duration > 0 {
		meta["duration_ms"] = attempt.Duration.Milliseconds()
	}
	if attempt.TraceID != "" {
		meta["trace_id"] = attempt.TraceID
	}
	for k, v := range attempt.Metadata {
		meta[k] = v
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}

	created := attempt.Timestamp
	if created.IsZero() {
		created = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_logs (
			chat_id, user_id, system_prompt, memory_prompt, user_message,
			model_response, validation_type, success, error_message,
			model_name, token_prompt, token_completion, token_total,
			retry_count, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ConversationKey,
		attempt.OwnerID,
		attempt.SystemPrompt,
		attempt.MemoryPrompt,
		attempt.UserMessage,
		attempt.Reply,
		nullString(attempt.ValidationType),
		boolToInt(attempt.Success),
		nullString(attempt.Error),
		nullString(attempt.Model.Model),
		attempt.Model.PromptTokens,
		attempt.Model.CompletionTokens,
		attempt.Model.TotalTokens,
		attempt.RetryIndex,
		string(metadata),
		created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert api log: %w", err)
	}
	return nil
}

// RecentLogs returns logs newest first.
func (s *Store) RecentLogs(ctx context.Context, q LogQuery) ([]APILog, error) {
	if q.Limit <= 0 {
		q.Limit = 15
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var (
		where string
		args  []any
	)
	if search := strings.TrimSpace(q.Search); search != "" {
		where = `WHERE chat_id LIKE ? OR user_id LIKE ? OR model_name LIKE ?
			OR user_message LIKE ? OR model_response LIKE ?`
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, system_prompt, memory_prompt, user_message,
			model_response, validation_type, success, error_message, model_name,
			token_prompt, token_completion, token_total, retry_count, metadata, created_at
		FROM api_logs `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query api logs: %w", err)
	}
	defer rows.Close()

	var logs []APILog
	for rows.Next() {
		var l APILog
		var chatID, userID, system, memory, user sql.NullString
		var response, validation, errMsg, model, metadata sql.NullString
		var success int
		var created string
		if err := rows.Scan(&l.ID, &chatID, &userID, &system, &memory, &user,
			&response, &validation, &success, &errMsg, &model,
			&l.TokenPrompt, &l.TokenCompletion, &l.TokenTotal, &l.RetryCount, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan api log: %w", err)
		}
		l.ChatID = chatID.String
		l.UserID = userID.String
		l.SystemPrompt = system.String
		l.MemoryPrompt = memory.String
		l.UserMessage = user.String
		l.ModelResponse = response.String
		l.ValidationType = validation.String
		l.Success = success != 0
		l.ErrorMessage = errMsg.String
		l.ModelName = model.String
		if metadata.Valid && metadata.String != "" {
			l.Metadata = json.RawMessage(metadata.String)
		}
		l.CreatedAt = parseTimestamp(created)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api logs: %w", err)
	}
	return logs, nil
}

// PruneLogs deletes logs created before cutoff and returns how many went.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_logs WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune api logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune api logs: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned api logs", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
