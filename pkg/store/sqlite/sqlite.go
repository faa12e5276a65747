package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/store"
)

// Store implements UserStore, PersonaStore, ConversationStore and
// MessageStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.UserStore = (*Store)(nil)
var _ store.PersonaStore = (*Store)(nil)
var _ store.ConversationStore = (*Store)(nil)
var _ store.MessageStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		nickname TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		is_default INTEGER NOT NULL DEFAULT 0,
		is_system INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_personas_user ON personas(user_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		persona_id TEXT NOT NULL DEFAULT '',
		selected_model TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME,
		last_message_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, deleted);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		token_count INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s not found: %s: %w", kind, id, store.ErrNotFound)
}

func checkAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, nickname, token, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.Nickname, u.Token, u.CreatedAt,
	)
	return err
}

func (s *Store) getUser(ctx context.Context, column, value string) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, nickname, token, created_at FROM users WHERE `+column+` = ?`, value,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Nickname, &u.Token, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", value)
	}
	return u, err
}

func (s *Store) GetUserByToken(ctx context.Context, token string) (*domain.User, error) {
	u, err := s.getUser(ctx, "token", token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("user not found for token: %w", store.ErrNotFound)
	}
	return u, err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.getUser(ctx, "username", username)
}

// --- PersonaStore ---

const personaColumns = `id, user_id, name, description, system_prompt, model, icon, is_public, enabled, is_default, is_system, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPersona(row scanner, p *domain.Persona) error {
	return row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.SystemPrompt, &p.Model, &p.Icon,
		&p.Public, &p.Enabled, &p.Default, &p.System, &p.CreatedAt, &p.UpdatedAt)
}

func (s *Store) CreatePersona(ctx context.Context, p *domain.Persona) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (`+personaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Description, p.SystemPrompt, p.Model, p.Icon,
		p.Public, p.Enabled, p.Default, p.System, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *Store) GetPersona(ctx context.Context, id string) (*domain.Persona, error) {
	p := &domain.Persona{}
	err := scanPersona(s.db.QueryRowContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE id = ?`, id), p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("persona", id)
	}
	return p, err
}

func (s *Store) listPersonas(ctx context.Context, where string, args ...any) ([]domain.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE enabled = 1 AND `+where+
			` ORDER BY is_system DESC, created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var personas []domain.Persona
	for rows.Next() {
		var p domain.Persona
		if err := scanPersona(rows, &p); err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

func (s *Store) ListPersonasByUser(ctx context.Context, userID string) ([]domain.Persona, error) {
	return s.listPersonas(ctx, `user_id = ?`, userID)
}

func (s *Store) ListPublicPersonas(ctx context.Context) ([]domain.Persona, error) {
	return s.listPersonas(ctx, `is_public = 1`)
}

func (s *Store) UpdatePersona(ctx context.Context, p *domain.Persona) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE personas SET name=?, description=?, system_prompt=?, model=?, icon=?, is_public=?, updated_at=?
		 WHERE id=? AND user_id=? AND user_id != '' AND enabled = 1`,
		p.Name, p.Description, p.SystemPrompt, p.Model, p.Icon, p.Public, p.UpdatedAt,
		p.ID, p.UserID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result, "persona", p.ID)
}

func (s *Store) DisablePersona(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE personas SET enabled = 0, updated_at = ? WHERE id = ? AND user_id = ? AND user_id != '' AND enabled = 1`,
		time.Now().UTC(), id, userID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result, "persona", id)
}

func (s *Store) CountPersonas(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM personas`).Scan(&n)
	return n, err
}

// --- ConversationStore ---

const conversationSelect = `SELECT c.id, c.user_id, c.title, c.persona_id, COALESCE(p.name, ''), COALESCE(p.description, ''),
	c.selected_model, c.active, c.deleted, c.deleted_at, c.last_message_at, c.created_at, c.updated_at
	FROM conversations c LEFT JOIN personas p ON p.id = c.persona_id`

func scanConversation(row scanner, c *domain.Conversation) error {
	var deletedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.PersonaID, &c.PersonaName, &c.PersonaDescription,
		&c.SelectedModel, &c.Active, &c.Deleted, &deletedAt, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	now := time.Now().UTC()
	if c.Title == "" {
		c.Title = domain.DefaultConversationTitle
	}
	c.Active = true
	c.Deleted = false
	c.DeletedAt = nil
	c.LastMessageAt = now
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, persona_id, selected_model, active, deleted, last_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.PersonaID, c.SelectedModel, c.LastMessageAt, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := scanConversation(s.db.QueryRowContext(ctx,
		conversationSelect+` WHERE c.id = ? AND c.user_id = ?`, id, userID), c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) listConversations(ctx context.Context, query string, args ...any) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.listConversations(ctx,
		conversationSelect+` WHERE c.user_id = ? AND c.active = 1 AND c.deleted = 0
		ORDER BY c.last_message_at DESC, c.created_at DESC`, userID)
}

func (s *Store) ListDeletedConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.listConversations(ctx,
		conversationSelect+` WHERE c.user_id = ? AND c.deleted = 1 ORDER BY c.deleted_at DESC`, userID)
}

func (s *Store) SoftDeleteConversation(ctx context.Context, id, userID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted = 1, deleted_at = ?, active = 0, updated_at = ? WHERE id = ? AND user_id = ?`,
		now, now, id, userID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result, "conversation", id)
}

func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return checkAffected(result, "conversation", id)
}

func (s *Store) RestoreConversation(ctx context.Context, id, userID string) error {
	c, err := s.GetConversation(ctx, id, userID)
	if err != nil {
		return err
	}
	if !c.Deleted {
		return fmt.Errorf("restore %s: %w", id, store.ErrNotDeleted)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted = 0, deleted_at = NULL, active = 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), id, userID,
	)
	return err
}

func (s *Store) EmptyRecycleBin(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ? AND deleted = 1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *Store) UpdateConversationModel(ctx context.Context, id, userID, modelID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET selected_model = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		modelID, time.Now().UTC(), id, userID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result, "conversation", id)
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result, "conversation", id)
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	// Next seq is computed in the same statement as the insert.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, token_count, created_at, seq)
		 SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		m.ID, m.ConversationID, m.Role, m.Content, m.TokenCount, m.CreatedAt, m.ConversationID,
	)
	return err
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &tokens, &m.CreatedAt); err != nil {
			return nil, err
		}
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
