package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/errand/pkg/conversation"
)

// Conversation is the persisted header of a conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	TurnCount int       `json:"turnCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateConversation registers a new conversation.
func (s *Store) CreateConversation(ctx context.Context, id, title string) (*Conversation, error) {
	now := time.Now().UTC()
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			id, title, now, now)
		return err
	})
	if err != nil {
		if isConstraintError(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	conv := &Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
	s.notify(newEvent(EventConversationCreated, id, *conv))
	return conv, nil
}

// GetConversation returns the conversation header, or nil if it does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM conversation_turns t WHERE t.conversation_id = c.id)
		FROM conversations c WHERE c.id = ?
	`, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt, &conv.TurnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// AppendTurns persists turns starting at sequence number from. It fails with
// ErrConflict if another writer already stored a turn at one of those positions.
func (s *Store) AppendTurns(ctx context.Context, conversationID string, from int, turns []conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	err := withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conversation_turns WHERE conversation_id = ?`, conversationID,
		).Scan(&count); err != nil {
			return err
		}
		if count != from {
			return ErrConflict
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversation_turns (conversation_id, seq, role, body, created_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, turn := range turns {
			body, err := json.Marshal(turn)
			if err != nil {
				return fmt.Errorf("encode turn %d: %w", from+i, err)
			}
			createdAt := turn.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, conversationID, from+i, string(turn.Role), string(body), createdAt); err != nil {
				if isConstraintError(err) {
					return ErrConflict
				}
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), conversationID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("append turns to %s at %d: %w", conversationID, from, err)
		}
		return fmt.Errorf("append turns to %s: %w", conversationID, err)
	}

	s.notify(newEvent(EventTurnsAppended, conversationID, len(turns)))
	return nil
}

// LoadTurns returns the stored history of a conversation in order.
func (s *Store) LoadTurns(ctx context.Context, conversationID string) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM conversation_turns WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	turns := make([]conversation.Turn, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var turn conversation.Turn
		if err := json.Unmarshal([]byte(body), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
