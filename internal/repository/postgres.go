package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	chat_errors "chatcore/pkg/errors"
)

// PostgresStore keeps relay rooms and message history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and pings it.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func observe(op string, start time.Time) {
	metrics.RelayStoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

const roomColumns = `id, type, post_id, participants, updated_at, last_message_at`

func scanRoom(row pgx.Row) (domain.Room, error) {
	var (
		room         domain.Room
		roomType     string
		participants []byte
		lastMessage  *time.Time
	)
	if err := row.Scan(&room.ID, &roomType, &room.PostID, &participants, &room.UpdatedAt, &lastMessage); err != nil {
		return domain.Room{}, err
	}
	room.Type = domain.RoomType(roomType)
	if err := json.Unmarshal(participants, &room.Participants); err != nil {
		return domain.Room{}, fmt.Errorf("decode participants of %s: %w", room.ID, err)
	}
	if lastMessage != nil {
		room.LastMessageAt = *lastMessage
	}
	return room, nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, bool, error) {
	defer observe("create_room", time.Now())
	participants, err := json.Marshal(room.Participants)
	if err != nil {
		return domain.Room{}, false, err
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = time.Now().UTC()
	}

	created, err := scanRoom(s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, type, post_id, participants, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+roomColumns,
		room.ID, string(room.Type), room.PostID, participants, room.UpdatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, false, err
	}
	existing, err := s.GetRoom(ctx, room.ID)
	return existing, false, err
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (domain.Room, error) {
	defer observe("get_room", time.Now())
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Room{}, chat_errors.ErrNotFound
		}
		return domain.Room{}, err
	}
	return room, nil
}

const messageColumns = `id, client_id, room_id, sender_id, seq, content, created_at`

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var (
		msg     domain.ChatMessage
		content []byte
	)
	if err := row.Scan(&msg.ID, &msg.ClientID, &msg.RoomID, &msg.SenderID, &msg.Seq, &content, &msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	msg.Content = content
	msg.Status = domain.MessageStatusSent
	return msg, nil
}

func (s *PostgresStore) getMessage(ctx context.Context, db DBTX, id string) (domain.ChatMessage, error) {
	return scanMessage(db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, bool, error) {
	defer observe("append_message", time.Now())
	if msg.ID == "" || msg.RoomID == "" {
		return domain.ChatMessage{}, false, chat_errors.ErrInvalidInput
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	content := []byte(msg.Content)
	if len(content) == 0 {
		content = []byte("null")
	}

	var stored domain.ChatMessage
	created := false
	err := WithTx(ctx, s.pool, func(tx DBTX) error {
		existing, err := s.getMessage(ctx, tx, msg.ID)
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var seq int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO room_sequences (room_id, last_seq) VALUES ($1, 1)
			ON CONFLICT (room_id) DO UPDATE
			SET last_seq = room_sequences.last_seq + 1, updated_at = NOW()
			RETURNING last_seq`, msg.RoomID).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		stored, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (id, client_id, room_id, sender_id, seq, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+messageColumns,
			msg.ID, msg.ClientID, msg.RoomID, msg.SenderID, seq, content, msg.CreatedAt))
		if err != nil {
			return err
		}
		created = true

		_, err = tx.Exec(ctx, `UPDATE rooms SET last_message_at = $2, updated_at = NOW() WHERE id = $1`,
			msg.RoomID, msg.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		// Lost a race with a concurrent append of the same id.
		existing, getErr := s.getMessage(ctx, s.pool, msg.ID)
		if getErr != nil {
			return domain.ChatMessage{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.ChatMessage{}, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, before int64, limit int) ([]domain.ChatMessage, bool, error) {
	defer observe("list_messages", time.Now())
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = $1 AND ($2::BIGINT = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`, roomID, before, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}
