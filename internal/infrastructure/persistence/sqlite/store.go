package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"orionchat/internal/domain"
)

// Store persiste avatares y ajustes en un único fichero SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite: empty db path")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: creating dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const avatarsTable = `
CREATE TABLE IF NOT EXISTS avatars (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	states TEXT,
	is_default INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	voices TEXT,
	created_at INTEGER NOT NULL
);`

	if _, err := db.Exec(avatarsTable); err != nil {
		return fmt.Errorf("sqlite: migrate avatars: %w", err)
	}

	if _, err := db.Exec(`ALTER TABLE avatars ADD COLUMN sort_order INTEGER NOT NULL DEFAULT 0;`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			return fmt.Errorf("sqlite: add sort_order column: %w", err)
		}
	}

	const settingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at TIMESTAMP NOT NULL
);`

	if _, err := db.Exec(settingsTable); err != nil {
		return fmt.Errorf("sqlite: migrate settings: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ----- Avatars -----

const avatarColumns = `id, name, description, states, is_default, active, voices, sort_order, created_at`

func (s *Store) SaveAvatar(ctx context.Context, avatar *domain.Avatar) error {
	if avatar == nil {
		return fmt.Errorf("sqlite: avatar nil")
	}
	if strings.TrimSpace(avatar.ID) == "" {
		return fmt.Errorf("sqlite: avatar without id")
	}
	if avatar.CreatedAt == 0 {
		avatar.CreatedAt = time.Now().UnixMilli()
	}

	const stmt = `
INSERT INTO avatars (` + avatarColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name,
	description=excluded.description,
	states=excluded.states,
	is_default=excluded.is_default,
	active=excluded.active,
	voices=excluded.voices,
	sort_order=excluded.sort_order;
`

	_, err := s.db.ExecContext(
		ctx,
		stmt,
		avatar.ID,
		avatar.Name,
		avatar.Description,
		encodeJSON(avatar.States),
		avatar.IsDefault,
		avatar.Active,
		encodeJSON(avatar.Voices),
		avatar.SortOrder,
		avatar.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save avatar: %w", err)
	}
	return nil
}

// GetAvatar returns nil, nil when the avatar does not exist.
func (s *Store) GetAvatar(ctx context.Context, id string) (*domain.Avatar, error) {
	query := `SELECT ` + avatarColumns + ` FROM avatars WHERE id = ? LIMIT 1;`
	row := s.db.QueryRowContext(ctx, query, id)

	avatar, err := scanAvatar(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get avatar: %w", err)
	}
	return avatar, nil
}

func (s *Store) ListAvatars(ctx context.Context) ([]*domain.Avatar, error) {
	query := `SELECT ` + avatarColumns + ` FROM avatars ORDER BY sort_order ASC, created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list avatars: %w", err)
	}
	defer rows.Close()

	var out []*domain.Avatar
	for rows.Next() {
		avatar, err := scanAvatar(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan avatar: %w", err)
		}
		out = append(out, avatar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list avatars rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAvatar(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM avatars WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete avatar: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrAvatarNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAvatar(row scanner) (*domain.Avatar, error) {
	var (
		avatar               domain.Avatar
		description          sql.NullString
		statesRaw, voicesRaw sql.NullString
		isDefault, active    bool
		sortOrder            sql.NullInt64
	)
	if err := row.Scan(
		&avatar.ID,
		&avatar.Name,
		&description,
		&statesRaw,
		&isDefault,
		&active,
		&voicesRaw,
		&sortOrder,
		&avatar.CreatedAt,
	); err != nil {
		return nil, err
	}

	avatar.Description = description.String
	avatar.IsDefault = isDefault
	avatar.Active = active
	avatar.SortOrder = int(sortOrder.Int64)
	decodeJSON(statesRaw.String, &avatar.States)
	decodeJSON(voicesRaw.String, &avatar.Voices)
	return &avatar, nil
}

// ----- Settings -----

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("sqlite: empty setting key")
	}

	now := time.Now().UTC()
	const stmt = `
INSERT INTO settings (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at;
`

	if _, err := s.db.ExecContext(ctx, stmt, key, value, now); err != nil {
		return fmt.Errorf("sqlite: set setting: %w", err)
	}

	return nil
}

// GetSetting returns "" for unknown keys.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("sqlite: empty setting key")
	}

	const query = `SELECT value FROM settings WHERE key = ? LIMIT 1;`
	row := s.db.QueryRowContext(ctx, query, key)

	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("sqlite: get setting: %w", err)
	}

	return value.String, nil
}

func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings;`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("sqlite: scan setting: %w", err)
		}
		out[key] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list settings rows: %w", err)
	}
	return out, nil
}

func encodeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}

func decodeJSON(raw string, dst any) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dst)
}

var _ domain.AvatarRepository = (*Store)(nil)
var _ domain.SettingsRepository = (*Store)(nil)
