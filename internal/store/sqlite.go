// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Sync workers write concurrently; serialize through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewID returns a sortable unique identifier.
func NewID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_bases (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL DEFAULT '',
		name           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		source_kind    TEXT NOT NULL DEFAULT 'local',
		access_control TEXT,
		meta           TEXT NOT NULL DEFAULT '{}',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kb_user ON knowledge_bases(user_id);

	CREATE TABLE IF NOT EXISTS files (
		id             TEXT PRIMARY KEY,
		knowledge_id   TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		name           TEXT NOT NULL,
		status         TEXT NOT NULL,
		source         TEXT NOT NULL DEFAULT 'local',
		source_item_id TEXT,
		item_id        TEXT,
		drive_id       TEXT,
		relative_path  TEXT,
		size           INTEGER NOT NULL DEFAULT 0,
		content_hash   TEXT,
		content_type   TEXT,
		web_url        TEXT,
		added_at       TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_kb ON files(knowledge_id);
	CREATE INDEX IF NOT EXISTS idx_files_source ON files(knowledge_id, source_item_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_files_item ON files(knowledge_id, item_id);

	CREATE TABLE IF NOT EXISTS tokens (
		knowledge_id TEXT PRIMARY KEY,
		account_type TEXT NOT NULL,
		sealed       BLOB NOT NULL,
		expiry       TEXT,
		needs_reauth INTEGER NOT NULL DEFAULT 0,
		stored_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id    TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		user_id  TEXT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateKnowledge(ctx context.Context, kb *model.KnowledgeBase) error {
	now := time.Now().UTC()
	if kb.ID == "" {
		kb.ID = NewID()
	}
	if kb.SourceKind == "" {
		kb.SourceKind = model.SourceKindLocal
	}
	kb.CreatedAt, kb.UpdatedAt = now, now

	ac, meta, err := encodeKnowledge(kb)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_bases (id, user_id, name, description, source_kind, access_control, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.UserID, kb.Name, kb.Description, kb.SourceKind, ac, meta,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert knowledge base: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetKnowledge(ctx context.Context, id string) (*model.KnowledgeBase, error) {
	kb, err := scanKnowledge(s.db.QueryRowContext(ctx, knowledgeSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge base %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadFileIDs(ctx, s.db, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

func (s *SQLiteStore) ListSyncedKnowledge(ctx context.Context, userID string) ([]model.KnowledgeBase, error) {
	query := knowledgeSelect + ` WHERE source_kind != 'local'`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *kb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// One connection: file ids are loaded after the cursor is released.
	for i := range out {
		if err := s.loadFileIDs(ctx, s.db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateKnowledge(ctx context.Context, id string, fn func(kb *model.KnowledgeBase) error) (*model.KnowledgeBase, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	kb, err := scanKnowledge(tx.QueryRowContext(ctx, knowledgeSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge base %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(kb); err != nil {
		return nil, err
	}

	kb.UpdatedAt = time.Now().UTC()
	ac, meta, err := encodeKnowledge(kb)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE knowledge_bases SET name = ?, description = ?, source_kind = ?, access_control = ?, meta = ?, updated_at = ?
		 WHERE id = ?`,
		kb.Name, kb.Description, kb.SourceKind, ac, meta, kb.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("update knowledge base: %w", err)
	}
	if err := s.loadFileIDs(ctx, tx, kb); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return kb, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, knowledgeID string) ([]model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, fileSelect+` WHERE knowledge_id = ? ORDER BY added_at, id`, knowledgeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetFileByItem(ctx context.Context, knowledgeID, itemID string) (*model.FileRecord, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, fileSelect+` WHERE knowledge_id = ? AND item_id = ?`, knowledgeID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file for item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFile inserts f, or updates the row with the same id. Files with an
// item id are also unique per knowledge base by item id.
func (s *SQLiteStore) UpsertFile(ctx context.Context, knowledgeID string, f *model.FileRecord) error {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.AddedAt.IsZero() {
		f.AddedAt = now
	}
	f.UpdatedAt = now
	if f.Meta.Source == "" {
		f.Meta.Source = model.SourceKindLocal
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, knowledge_id, name, status, source, source_item_id, item_id, drive_id,
		                    relative_path, size, content_hash, content_type, web_url, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, status = excluded.status, source = excluded.source,
		   source_item_id = excluded.source_item_id, item_id = excluded.item_id, drive_id = excluded.drive_id,
		   relative_path = excluded.relative_path, size = excluded.size, content_hash = excluded.content_hash,
		   content_type = excluded.content_type, web_url = excluded.web_url, updated_at = excluded.updated_at`,
		f.ID, knowledgeID, f.Name, string(f.Status), f.Meta.Source,
		nullable(f.Meta.SourceItemID), nullable(f.Meta.ItemID), nullable(f.Meta.DriveID),
		nullable(f.Meta.RelativePath), f.Meta.Size, nullable(f.Meta.ContentHash),
		nullable(f.Meta.ContentType), nullable(f.Meta.WebURL),
		f.AddedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, knowledgeID, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE knowledge_id = ? AND id = ?`, knowledgeID, fileID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	return nil
}

// DeleteFilesBySource removes every file whose source_item_id matches and
// returns how many rows went.
func (s *SQLiteStore) DeleteFilesBySource(ctx context.Context, knowledgeID, sourceItemID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE knowledge_id = ? AND source_item_id = ?`, knowledgeID, sourceItemID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) PutToken(ctx context.Context, t *SealedToken) error {
	if t.StoredAt.IsZero() {
		t.StoredAt = time.Now().UTC()
	}
	var expiry *string
	if !t.Expiry.IsZero() {
		e := t.Expiry.UTC().Format(time.RFC3339Nano)
		expiry = &e
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (knowledge_id, account_type, sealed, expiry, needs_reauth, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(knowledge_id) DO UPDATE SET
		   account_type = excluded.account_type, sealed = excluded.sealed, expiry = excluded.expiry,
		   needs_reauth = excluded.needs_reauth, stored_at = excluded.stored_at`,
		t.KnowledgeID, string(t.AccountType), t.Sealed, expiry, boolInt(t.NeedsReauth),
		t.StoredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetToken(ctx context.Context, knowledgeID string) (*SealedToken, error) {
	var (
		t        SealedToken
		acct     string
		expiry   sql.NullString
		reauth   int
		storedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT knowledge_id, account_type, sealed, expiry, needs_reauth, stored_at FROM tokens WHERE knowledge_id = ?`,
		knowledgeID).Scan(&t.KnowledgeID, &acct, &t.Sealed, &expiry, &reauth, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token for %s: %w", knowledgeID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.AccountType = model.AccountType(acct)
	t.NeedsReauth = reauth != 0
	t.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
	if expiry.Valid {
		t.Expiry, _ = time.Parse(time.RFC3339Nano, expiry.String)
	}
	return &t, nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, knowledgeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE knowledge_id = ?`, knowledgeID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) PutUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email, name = excluded.name`,
		u.ID, u.Email, u.Name)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID)
	return err
}

func (s *SQLiteStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const knowledgeSelect = `SELECT id, user_id, name, description, source_kind, access_control, meta, created_at, updated_at FROM knowledge_bases`

const fileSelect = `SELECT id, name, status, source, source_item_id, item_id, drive_id, relative_path, size,
	content_hash, content_type, web_url, added_at, updated_at FROM files`

type scanner interface {
	Scan(dest ...interface{}) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func scanKnowledge(row scanner) (*model.KnowledgeBase, error) {
	var (
		kb                   model.KnowledgeBase
		ac                   sql.NullString
		meta                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&kb.ID, &kb.UserID, &kb.Name, &kb.Description, &kb.SourceKind, &ac, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	kb.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	kb.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if ac.Valid && ac.String != "" {
		kb.AccessControl = &model.AccessControl{}
		if err := json.Unmarshal([]byte(ac.String), kb.AccessControl); err != nil {
			return nil, fmt.Errorf("decode access_control: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(meta), &kb.Meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if kb.Meta.Sync != nil {
		kb.Sources = kb.Meta.Sync.Sources
	}
	if kb.Sources == nil {
		kb.Sources = []model.Source{}
	}
	return &kb, nil
}

func (s *SQLiteStore) loadFileIDs(ctx context.Context, q querier, kb *model.KnowledgeBase) error {
	rows, err := q.QueryContext(ctx, `SELECT id FROM files WHERE knowledge_id = ? ORDER BY added_at, id`, kb.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	kb.FileIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		kb.FileIDs = append(kb.FileIDs, id)
	}
	return rows.Err()
}

// encodeKnowledge keeps Sources and Meta.Sync.Sources in step; the meta blob
// is what gets persisted.
func encodeKnowledge(kb *model.KnowledgeBase) (*string, string, error) {
	if len(kb.Sources) > 0 {
		if kb.Meta.Sync == nil {
			kb.Meta.Sync = &model.SyncMeta{}
		}
		kb.Meta.Sync.Sources = kb.Sources
	} else if kb.Meta.Sync != nil {
		kb.Meta.Sync.Sources = []model.Source{}
	}

	var ac *string
	if kb.AccessControl != nil {
		b, err := json.Marshal(kb.AccessControl)
		if err != nil {
			return nil, "", err
		}
		v := string(b)
		ac = &v
	}
	meta, err := json.Marshal(kb.Meta)
	if err != nil {
		return nil, "", err
	}
	return ac, string(meta), nil
}

func scanFile(row scanner) (model.FileRecord, error) {
	var (
		f                                                  model.FileRecord
		status                                             string
		srcItem, item, drive, rel, hash, ctype, webURL     sql.NullString
		addedAt, updatedAt                                 string
	)
	err := row.Scan(&f.ID, &f.Name, &status, &f.Meta.Source, &srcItem, &item, &drive, &rel, &f.Meta.Size,
		&hash, &ctype, &webURL, &addedAt, &updatedAt)
	if err != nil {
		return f, err
	}
	f.Status = model.FileStatus(status)
	f.Meta.SourceItemID = srcItem.String
	f.Meta.ItemID = item.String
	f.Meta.DriveID = drive.String
	f.Meta.RelativePath = rel.String
	f.Meta.ContentHash = hash.String
	f.Meta.ContentType = ctype.String
	f.Meta.WebURL = webURL.String
	f.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return f, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
