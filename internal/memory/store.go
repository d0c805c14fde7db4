package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"whatsbot/internal/domain"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite; also serializes the get-or-create transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- Users ---

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, phone, name string, whitelisted bool) (*domain.User, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, phone, name, whitelisted, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		uuid.NewString(), phone, name, whitelisted, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	var u domain.User
	err = s.db.QueryRowContext(ctx,
		`SELECT id, phone, name, whitelisted, active, created_at, updated_at FROM users WHERE phone = ?`, phone,
	).Scan(&u.ID, &u.Phone, &u.Name, &u.Whitelisted, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, user domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET name=?, whitelisted=?, active=?, updated_at=? WHERE id=?`,
		user.Name, user.Whitelisted, user.Active, s.now(), user.ID,
	)
	return err
}

// --- Conversations ---

func (s *SQLiteStore) GetOrCreateActiveConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var c domain.Conversation
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, title, active, created_at, updated_at
		 FROM conversations WHERE user_id = ? AND active = 1
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	switch {
	case err == nil:
		return &c, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	now := s.now()
	c = domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     "Conversation " + now.Format("2006-01-02 15:04"),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, active, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Debug("conversation created", "conversation_id", c.ID, "user_id", userID)
	return &c, nil
}

// --- Messages ---

const messageColumns = `id, user_id, conversation_id, provider, provider_message_id, direction, kind,
	content, media_url, media_content_type, ai_response, ai_model, tokens_in, tokens_out,
	processed, processed_at, error, created_at`

// CreateMessage inserts msg, filling ID and CreatedAt when empty. A second
// record with the same provider message id yields domain.ErrDuplicate.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.MessageRecord) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.ConversationID, string(msg.Provider), msg.ProviderMessageID,
		string(msg.Direction), string(msg.Kind), msg.Content, msg.MediaURL, msg.MediaContentType,
		msg.AIResponse, msg.AIModel, msg.TokensIn, msg.TokensOut,
		msg.Processed, nullTime(msg.ProcessedAt), msg.Error, msg.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", domain.ErrDuplicate, msg.Provider, msg.ProviderMessageID)
		}
		return fmt.Errorf("insert message: %w", err)
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID,
	)
	return nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg domain.MessageRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content=?, media_url=?, media_content_type=?, ai_response=?, ai_model=?,
		 tokens_in=?, tokens_out=?, processed=?, processed_at=?, error=?, provider_message_id=?
		 WHERE id=?`,
		msg.Content, msg.MediaURL, msg.MediaContentType, msg.AIResponse, msg.AIModel,
		msg.TokensIn, msg.TokensOut, msg.Processed, nullTime(msg.ProcessedAt), msg.Error, msg.ProviderMessageID,
		msg.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRecentMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// FindMessageByProviderID returns nil, nil when no record matches.
func (s *SQLiteStore) FindMessageByProviderID(ctx context.Context, provider domain.ProviderTag, providerMessageID string) (*domain.MessageRecord, error) {
	if providerMessageID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider = ? AND provider_message_id = ?`,
		string(provider), providerMessageID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// Stats holds row counts for the status command.
type Stats struct {
	Users         int
	Conversations int
	Messages      int
	Failed        int
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM messages WHERE error <> '')`,
	).Scan(&st.Users, &st.Conversations, &st.Messages, &st.Failed)
	return st, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.MessageRecord, error) {
	var (
		m                         domain.MessageRecord
		provider, direction, kind string
		processedAt               sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.ConversationID, &provider, &m.ProviderMessageID,
		&direction, &kind, &m.Content, &m.MediaURL, &m.MediaContentType,
		&m.AIResponse, &m.AIModel, &m.TokensIn, &m.TokensOut,
		&m.Processed, &processedAt, &m.Error, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Provider = domain.ProviderTag(provider)
	m.Direction = domain.Direction(direction)
	m.Kind = domain.MessageKind(kind)
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	return &m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
