// Package store mirrors each tenant's contact list to a SQLite file so the
// list survives restarts until the next snapshot refresh.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/whatsapp-automation/chatsync/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	number          TEXT PRIMARY KEY,
	merged_ids      TEXT    NOT NULL DEFAULT '[]',
	name            TEXT    NOT NULL DEFAULT '',
	avatar_url      TEXT    NOT NULL DEFAULT '',
	preview         TEXT    NOT NULL DEFAULT '',
	ts              INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 0,
	is_group        INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS contacts_ts ON contacts (ts DESC);
`

// ContactStore is the contact mirror of one tenant
type ContactStore struct {
	db     *sqlx.DB
	dbPath string
	tenant string
}

type contactRow struct {
	Number    string `db:"number"`
	MergedIDs string `db:"merged_ids"`
	Name      string `db:"name"`
	AvatarURL string `db:"avatar_url"`
	Preview   string `db:"preview"`
	Timestamp int64  `db:"ts"`
	Unread    int    `db:"unread"`
	IsGroup   bool   `db:"is_group"`
	UpdatedAt int64  `db:"updated_at"`
}

// Path returns the database file of tenant inside dataDir
func Path(dataDir, tenant string) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s.db", SafeName(tenant)))
}

// SafeName maps tenant to a string usable in file names
func SafeName(tenant string) string {
	var b strings.Builder
	for _, r := range tenant {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Open opens or creates the contact mirror of tenant
func Open(ctx context.Context, dataDir, tenant string) (*ContactStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := Path(dataDir, tenant)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open contact database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate contact database: %w", err)
	}

	return &ContactStore{db: db, dbPath: dbPath, tenant: tenant}, nil
}

// SaveContacts replaces the mirrored list with contacts
func (s *ContactStore) SaveContacts(ctx context.Context, contacts []chat.Contact) error {
	if s.db == nil {
		return fmt.Errorf("contact store closed")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return fmt.Errorf("failed to clear contacts: %w", err)
	}

	now := time.Now().Unix()
	for _, c := range contacts {
		ids, err := json.Marshal(c.MergedIDs)
		if err != nil {
			return fmt.Errorf("failed to encode merged ids: %w", err)
		}
		row := contactRow{
			Number:    c.Number,
			MergedIDs: string(ids),
			Name:      c.Name,
			AvatarURL: c.AvatarURL,
			Preview:   c.Preview,
			Timestamp: c.Timestamp,
			Unread:    c.Unread,
			IsGroup:   c.IsGroup,
			UpdatedAt: now,
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO contacts (number, merged_ids, name, avatar_url, preview, ts, unread, is_group, updated_at)
			VALUES (:number, :merged_ids, :name, :avatar_url, :preview, :ts, :unread, :is_group, :updated_at)`, row)
		if err != nil {
			return fmt.Errorf("failed to store contact %s: %w", c.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contacts: %w", err)
	}
	return nil
}

// LoadContacts returns the mirrored list, most recent first
func (s *ContactStore) LoadContacts(ctx context.Context) ([]chat.Contact, error) {
	if s.db == nil {
		return nil, fmt.Errorf("contact store closed")
	}

	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM contacts ORDER BY ts DESC, number ASC`); err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}

	contacts := make([]chat.Contact, 0, len(rows))
	for _, r := range rows {
		var ids []string
		if err := json.Unmarshal([]byte(r.MergedIDs), &ids); err != nil {
			ids = nil
		}
		c := chat.Contact{
			Number:    r.Number,
			MergedIDs: ids,
			Name:      r.Name,
			AvatarURL: r.AvatarURL,
			Preview:   r.Preview,
			Timestamp: r.Timestamp,
			Unread:    r.Unread,
			IsGroup:   r.IsGroup,
		}
		if r.Timestamp > 0 {
			c.LastMessageAt = time.Unix(r.Timestamp, 0).UTC()
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// Close closes the database connection
func (s *ContactStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Delete closes the store and removes its database file
func (s *ContactStore) Delete() error {
	s.Close()

	for _, path := range []string{s.dbPath, s.dbPath + "-wal", s.dbPath + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete contact database of %s: %w", s.tenant, err)
		}
	}
	return nil
}

// HasMirror checks if a mirror already exists for tenant
func HasMirror(dataDir, tenant string) bool {
	_, err := os.Stat(Path(dataDir, tenant))
	return err == nil
}
