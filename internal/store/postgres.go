package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/messenger/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is a Store backed by PostgreSQL. The unique (user_lo, user_hi)
// constraint on conversations enforces one conversation per pair.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// NewPostgres creates a store using db. The schema must already be migrated.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// PutUser inserts or updates a user row. The user table is owned by the
// account service; this exists for seeding and tests.
func (p *Postgres) PutUser(ctx context.Context, u chat.User) error {
	const query = `
		INSERT INTO users (id, name, email, profile_pic)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, profile_pic = EXCLUDED.profile_pic`

	if _, err := p.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.ProfilePic); err != nil {
		return fmt.Errorf("store: put user: %w", err)
	}
	return nil
}

func (p *Postgres) FindUserByID(ctx context.Context, id string) (*chat.User, error) {
	const query = `SELECT id, name, email, profile_pic FROM users WHERE id = $1`

	var u chat.User
	err := p.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.Email, &u.ProfilePic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return &u, nil
}

const conversationColumns = `
	c.id, c.sender, c.receiver, c.created_at, c.updated_at,
	COALESCE(ARRAY(SELECT m.id::text FROM messages m WHERE m.conversation_id = c.id ORDER BY m.seq), '{}')`

func scanConversation(row interface{ Scan(...any) error }) (*chat.Conversation, error) {
	var c chat.Conversation
	var ids []string
	if err := row.Scan(&c.ID, &c.Sender, &c.Receiver, &c.CreatedAt, &c.UpdatedAt, pq.Array(&ids)); err != nil {
		return nil, err
	}
	c.MessageIDs = ids
	return &c, nil
}

func (p *Postgres) FindConversationByPair(ctx context.Context, a, b string) (*chat.Conversation, error) {
	pair := chat.OrderedPair(a, b)
	query := `SELECT` + conversationColumns + ` FROM conversations c WHERE c.user_lo = $1 AND c.user_hi = $2`

	c, err := scanConversation(p.db.QueryRowContext(ctx, query, pair.Lo, pair.Hi))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s/%s: %w", a, b, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, a, b string) (*chat.Conversation, error) {
	pair := chat.OrderedPair(a, b)
	const query = `
		INSERT INTO conversations (id, sender, receiver, user_lo, user_hi)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT conversations_pair_unique DO NOTHING`

	if _, err := p.db.ExecContext(ctx, query, uuid.New().String(), a, b, pair.Lo, pair.Hi); err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}
	return p.FindConversationByPair(ctx, a, b)
}

func (p *Postgres) AppendMessage(ctx context.Context, conversationID string, msg *chat.Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append message: begin: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	var createdAt time.Time
	const insert = `
		INSERT INTO messages (id, conversation_id, text, image_url, video_url, msg_by_user_id, created_at)
		SELECT $1::uuid, c.id, $3::text, $4::text, $5::text, $6::text, clock_timestamp()
		FROM conversations c WHERE c.id = $2
		RETURNING created_at`

	err = tx.QueryRowContext(ctx, insert, id, conversationID, msg.Text, msg.ImageURL, msg.VideoURL, msg.MsgByUserID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: append message: insert: %w", err)
	}

	const touch = `UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`
	if _, err := tx.ExecContext(ctx, touch, conversationID, createdAt); err != nil {
		return fmt.Errorf("store: append message: touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append message: commit: %w", err)
	}

	msg.ID = id
	msg.ConversationID = conversationID
	msg.CreatedAt = createdAt
	msg.Seen = false
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	const query = `
		SELECT id, conversation_id, text, image_url, video_url, seen, msg_by_user_id, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq`

	rows, err := p.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Text, &m.ImageURL, &m.VideoURL, &m.Seen, &m.MsgByUserID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list messages: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

func (p *Postgres) UpdateMessagesSeen(ctx context.Context, conversationID, authorID string) (int64, error) {
	const query = `
		UPDATE messages SET seen = TRUE
		WHERE conversation_id = $1 AND msg_by_user_id = $2 AND NOT seen`

	res, err := p.db.ExecContext(ctx, query, conversationID, authorID)
	if err != nil {
		return 0, fmt.Errorf("store: update seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: update seen: rows affected: %w", err)
	}
	return n, nil
}

func (p *Postgres) ListConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	query := `SELECT` + conversationColumns + `
		FROM conversations c
		WHERE c.user_lo = $1 OR c.user_hi = $1`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list conversations: scan: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return out, nil
}
