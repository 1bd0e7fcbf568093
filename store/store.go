// Package store persists the bridge's two durable JSON documents, the
// identity map (source id -> registry app id) and the character override
// table, in the generic kv table, and records sync run summaries for the
// audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/crypto"
)

const (
	identityMapKey = "character_map"
	overridesKey   = "character_overrides"
)

// Store wraps the database handle with typed document accessors. With an
// encryptor configured, bot tokens and companion API keys are sealed before
// they reach the kv table; a nil encryptor stores them as-is.
type Store struct {
	db  *sql.DB
	enc crypto.Encryptor
}

func New(db *sql.DB, enc crypto.Encryptor) *Store { return &Store{db: db, enc: enc} }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) getDoc(ctx context.Context, key string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setDoc(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, string(raw))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// IdentityMap loads the persisted source-id -> app-id associations. A
// missing document yields an empty map.
func (s *Store) IdentityMap(ctx context.Context) (map[string]string, error) {
	m := map[string]string{}
	if err := s.getDoc(ctx, identityMapKey, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveIdentityMap replaces the persisted identity map.
func (s *Store) SaveIdentityMap(ctx context.Context, m map[string]string) error {
	if m == nil {
		m = map[string]string{}
	}
	return s.setDoc(ctx, identityMapKey, m)
}

// Overrides loads the full override table with credentials opened. A
// missing document yields an empty map.
func (s *Store) Overrides(ctx context.Context) (map[string]character.Override, error) {
	m := map[string]character.Override{}
	if err := s.getDoc(ctx, overridesKey, &m); err != nil {
		return nil, err
	}
	for id, o := range m {
		if err := s.openCredentials(&o); err != nil {
			return nil, fmt.Errorf("open credentials for %s: %w", id, err)
		}
		m[id] = o
	}
	return m, nil
}

// Override returns one character's override, or nil when none is stored.
func (s *Store) Override(ctx context.Context, sourceID string) (*character.Override, error) {
	m, err := s.Overrides(ctx)
	if err != nil {
		return nil, err
	}
	o, ok := m[sourceID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// SaveOverride stores one character's override. An empty override deletes
// the entry instead: the table never holds {} rows.
func (s *Store) SaveOverride(ctx context.Context, sourceID string, o character.Override) error {
	m, err := s.Overrides(ctx)
	if err != nil {
		return err
	}
	// Empty-string fields mean "cleared", not "set to empty". Compacting
	// keeps the stored document sparse, and an override left with no
	// fields at all is removed outright.
	o = o.Compact()
	if o.IsEmpty() {
		delete(m, sourceID)
	} else {
		m[sourceID] = o
	}
	return s.saveOverrides(ctx, m)
}

// DeleteOverride removes a character's override entirely.
func (s *Store) DeleteOverride(ctx context.Context, sourceID string) error {
	m, err := s.Overrides(ctx)
	if err != nil {
		return err
	}
	delete(m, sourceID)
	return s.saveOverrides(ctx, m)
}

func (s *Store) saveOverrides(ctx context.Context, m map[string]character.Override) error {
	for id, o := range m {
		if err := s.sealCredentials(&o); err != nil {
			return fmt.Errorf("seal credentials for %s: %w", id, err)
		}
		m[id] = o
	}
	return s.setDoc(ctx, overridesKey, m)
}

// sealCredentials encrypts the sensitive override fields in place. Without
// an encryptor it is a no-op.
func (s *Store) sealCredentials(o *character.Override) error {
	if s.enc == nil {
		return nil
	}
	for _, p := range []**string{&o.BotToken, &o.APIKey} {
		if *p == nil {
			continue
		}
		sealed, err := crypto.Seal(s.enc, **p)
		if err != nil {
			return err
		}
		*p = &sealed
	}
	return nil
}

// openCredentials decrypts the sensitive override fields in place. Plaintext
// values written before a key was configured pass through untouched.
func (s *Store) openCredentials(o *character.Override) error {
	if s.enc == nil {
		return nil
	}
	for _, p := range []**string{&o.BotToken, &o.APIKey} {
		if *p == nil {
			continue
		}
		opened, err := crypto.Open(s.enc, **p)
		if err != nil {
			return err
		}
		*p = &opened
	}
	return nil
}

// EncryptStoredCredentials seals every plaintext credential already in the
// override table, returning how many fields were (or would be) converted.
// With dryRun set nothing is written.
func (s *Store) EncryptStoredCredentials(ctx context.Context, dryRun bool) (int, error) {
	if s.enc == nil {
		return 0, fmt.Errorf("no encryption key configured")
	}
	m := map[string]character.Override{}
	if err := s.getDoc(ctx, overridesKey, &m); err != nil {
		return 0, err
	}
	converted := 0
	for id, o := range m {
		for _, p := range []*string{o.BotToken, o.APIKey} {
			if p != nil && *p != "" && !crypto.IsSealed(*p) {
				converted++
			}
		}
		if dryRun {
			continue
		}
		if err := s.sealCredentials(&o); err != nil {
			return converted, fmt.Errorf("seal credentials for %s: %w", id, err)
		}
		m[id] = o
	}
	if dryRun || converted == 0 {
		return converted, nil
	}
	return converted, s.setDoc(ctx, overridesKey, m)
}

// SyncRun is one row of the sync audit trail.
type SyncRun struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Summary    string    `json:"summary"`
	ID         int64     `json:"id"`
	Total      int       `json:"total"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Missing    int       `json:"missing"`
	Errors     int       `json:"errors"`
	DryRun     bool      `json:"dry_run"`
}

// RecordSyncRun appends a sync summary row.
func (s *Store) RecordSyncRun(ctx context.Context, r SyncRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_runs
		(dry_run, total, created, updated, unchanged, missing, errors, summary, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
		r.DryRun, r.Total, r.Created, r.Updated, r.Unchanged, r.Missing, r.Errors, r.Summary, r.StartedAt)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

// RecentSyncRuns returns the most recent sync summaries, newest first.
func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, dry_run, total, created, updated, unchanged, missing, errors,
		COALESCE(summary,''), started_at, finished_at
		FROM sync_runs ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SyncRun, 0, limit)
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.DryRun, &r.Total, &r.Created, &r.Updated, &r.Unchanged,
			&r.Missing, &r.Errors, &r.Summary, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
