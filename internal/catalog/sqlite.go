package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/memohai/sticker/internal/media"
)

// MinIDPrefix is the shortest id prefix accepted by ResolveID.
const MinIDPrefix = 8

const entryColumns = `s.id, s.token, s.pack, s.media_ref, s.storage_key, s.mime, s.source_room,
	s.usage_count, s.last_used_at, s.created_at`

// SQLiteStore implements Store on a sqlite database file. Media bytes for
// locally saved stickers go through a media.StorageProvider.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	provider media.StorageProvider
	logger   *slog.Logger
	now      func() time.Time
}

// NewSQLiteStore opens or creates the catalog database at dbPath.
func NewSQLiteStore(log *slog.Logger, dbPath string, provider media.StorageProvider) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &SQLiteStore{
		db:       db,
		path:     dbPath,
		provider: provider,
		logger:   log.With(slog.String("service", "catalog")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stickers (
		id           TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		pack         TEXT NOT NULL DEFAULT '',
		media_ref    TEXT NOT NULL DEFAULT '',
		storage_key  TEXT NOT NULL DEFAULT '',
		mime         TEXT NOT NULL DEFAULT '',
		source_room  TEXT NOT NULL DEFAULT '',
		usage_count  INTEGER NOT NULL DEFAULT 0,
		last_used_at TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stickers_pack ON stickers(pack);
	CREATE INDEX IF NOT EXISTS idx_stickers_media_ref ON stickers(media_ref);
	CREATE INDEX IF NOT EXISTS idx_stickers_storage_key ON stickers(storage_key);

	CREATE TABLE IF NOT EXISTS sticker_aliases (
		sticker_id TEXT NOT NULL REFERENCES stickers(id) ON DELETE CASCADE,
		alias      TEXT NOT NULL,
		PRIMARY KEY (sticker_id, alias)
	);
	CREATE INDEX IF NOT EXISTS idx_sticker_aliases_alias ON sticker_aliases(alias);
	`
	_, err := s.db.Exec(schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var lastUsed, created string
	if err := row.Scan(&e.ID, &e.Token, &e.Pack, &e.MediaRef, &e.StorageKey, &e.Mime, &e.SourceRoom,
		&e.UsageCount, &lastUsed, &created); err != nil {
		return Entry{}, err
	}
	if lastUsed != "" {
		e.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return e, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachAliases(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// attachAliases loads aliases for entries in a single pass.
func (s *SQLiteStore) attachAliases(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	index := make(map[string]int, len(entries))
	for i := range entries {
		index[entries[i].ID] = i
	}
	var rows *sql.Rows
	var err error
	if len(entries) == 1 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT sticker_id, alias FROM sticker_aliases WHERE sticker_id = ? ORDER BY rowid`, entries[0].ID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT sticker_id, alias FROM sticker_aliases ORDER BY rowid`)
	}
	if err != nil {
		return fmt.Errorf("load aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return err
		}
		if i, ok := index[id]; ok {
			entries[i].Aliases = append(entries[i].Aliases, alias)
		}
	}
	return rows.Err()
}

// ListEntries returns entries in insertion order.
func (s *SQLiteStore) ListEntries(ctx context.Context, filter ListFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	pack := strings.TrimSpace(filter.Pack)
	if pack != "" {
		return s.queryEntries(ctx,
			`SELECT `+entryColumns+` FROM stickers s WHERE s.pack = ? ORDER BY s.rowid LIMIT ?`, pack, limit)
	}
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM stickers s ORDER BY s.rowid LIMIT ?`, limit)
}

// GetEntry returns the entry with the exact id.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM stickers s WHERE s.id = ?`, strings.TrimSpace(id))
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entries[0], nil
}

// ResolveID accepts a full id or a unique prefix of at least MinIDPrefix characters.
func (s *SQLiteStore) ResolveID(ctx context.Context, idOrPrefix string) (Entry, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	entry, err := s.GetEntry(ctx, idOrPrefix)
	if err == nil || !errors.Is(err, ErrEntryNotFound) {
		return entry, err
	}
	if len(idOrPrefix) < MinIDPrefix {
		return Entry{}, err
	}
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM stickers s WHERE s.id LIKE ? ESCAPE '\' ORDER BY s.rowid LIMIT 2`,
		escapeLike(idOrPrefix)+"%")
	if err != nil {
		return Entry{}, err
	}
	switch len(entries) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, idOrPrefix)
	case 1:
		return entries[0], nil
	default:
		return Entry{}, fmt.Errorf("%w: %s", ErrAmbiguousID, idOrPrefix)
	}
}

// FindEntries matches query as a case-insensitive substring of tokens and
// aliases. Exact token hits sort first, then exact alias hits, then by usage.
func (s *SQLiteStore) FindEntries(ctx context.Context, query string, limit int) ([]Entry, error) {
	key := NormalizeKey(query)
	if key == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(key) + "%"
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM stickers s
		WHERE lower(s.token) LIKE ? ESCAPE '\'
		   OR s.id IN (SELECT sticker_id FROM sticker_aliases WHERE lower(alias) LIKE ? ESCAPE '\')
		ORDER BY
			CASE
				WHEN lower(s.token) = ? THEN 0
				WHEN EXISTS (SELECT 1 FROM sticker_aliases a WHERE a.sticker_id = s.id AND lower(a.alias) = ?) THEN 1
				ELSE 2
			END,
			s.usage_count DESC,
			s.rowid
		LIMIT ?`, pattern, pattern, key, key, limit)
}

// TouchUsage increments the usage counter and stamps last use.
func (s *SQLiteStore) TouchUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stickers SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		s.now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("touch usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}

// Save inserts a new entry.
func (s *SQLiteStore) Save(ctx context.Context, input SaveInput) (Entry, error) {
	token := strings.TrimSpace(input.Token)
	if !ValidName(token) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, input.Token)
	}
	aliases, err := cleanAliases(token, input.Aliases)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:         uuid.NewString(),
		Token:      token,
		Aliases:    aliases,
		Pack:       strings.TrimSpace(input.Pack),
		MediaRef:   strings.TrimSpace(input.MediaRef),
		Mime:       strings.TrimSpace(input.Mime),
		SourceRoom: strings.TrimSpace(input.SourceRoom),
		CreatedAt:  s.now(),
	}
	if input.Reader != nil {
		key, mime, err := s.storeMedia(ctx, input)
		if err != nil {
			return Entry{}, err
		}
		entry.StorageKey = key
		entry.Mime = mime
	}
	if !entry.HasMedia() {
		return Entry{}, fmt.Errorf("sticker %q has no media", token)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stickers (id, token, pack, media_ref, storage_key, mime, source_room, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Token, entry.Pack, entry.MediaRef, entry.StorageKey, entry.Mime, entry.SourceRoom,
		entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("insert sticker: %w", err)
	}
	for _, alias := range entry.Aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sticker_aliases (sticker_id, alias) VALUES (?, ?)`, entry.ID, alias); err != nil {
			return Entry{}, fmt.Errorf("insert alias: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	s.logger.Debug("sticker saved", slog.String("id", entry.ID), slog.String("token", entry.Token))
	return entry, nil
}

func (s *SQLiteStore) storeMedia(ctx context.Context, input SaveInput) (string, string, error) {
	if s.provider == nil {
		return "", "", media.ErrProviderUnavailable
	}
	data, err := media.ReadLimited(input.Reader, media.MaxStickerBytes)
	if err != nil {
		return "", "", fmt.Errorf("read sticker media: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	mime := media.DetectMime(input.Mime, data)
	key := media.StorageKey(hash, mime)
	if err := s.provider.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return "", "", fmt.Errorf("store sticker media: %w", err)
	}
	return key, mime, nil
}

// Upsert deduplicates on (media_ref, token). A pack or mime change on an
// existing pair is written in place.
func (s *SQLiteStore) Upsert(ctx context.Context, input SaveInput) (Entry, bool, error) {
	ref := strings.TrimSpace(input.MediaRef)
	if ref == "" {
		entry, err := s.Save(ctx, input)
		return entry, err == nil, err
	}
	token := strings.TrimSpace(input.Token)
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM stickers s WHERE s.media_ref = ? AND lower(s.token) = ? ORDER BY s.rowid LIMIT 1`,
		ref, NormalizeKey(token))
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		entry, err := s.Save(ctx, input)
		return entry, err == nil, err
	}
	existing := entries[0]
	pack := strings.TrimSpace(input.Pack)
	mime := strings.TrimSpace(input.Mime)
	room := strings.TrimSpace(input.SourceRoom)
	if existing.Pack == pack && existing.Mime == mime && existing.SourceRoom == room {
		return existing, false, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE stickers SET pack = ?, mime = ?, source_room = ? WHERE id = ?`, pack, mime, room, existing.ID); err != nil {
		return Entry{}, false, fmt.Errorf("update sticker: %w", err)
	}
	existing.Pack, existing.Mime, existing.SourceRoom = pack, mime, room
	return existing, true, nil
}

// Delete removes an entry, its aliases, and its stored file once no other
// entry shares it.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stickers WHERE id = ?`, entry.ID); err != nil {
		return fmt.Errorf("delete sticker: %w", err)
	}
	if entry.StorageKey == "" || s.provider == nil {
		return nil
	}
	var refs int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stickers WHERE storage_key = ?`, entry.StorageKey).Scan(&refs); err != nil {
		return fmt.Errorf("count media refs: %w", err)
	}
	if refs == 0 {
		if err := s.provider.Delete(ctx, entry.StorageKey); err != nil {
			s.logger.Warn("delete sticker media failed", slog.String("storage_key", entry.StorageKey), slog.Any("error", err))
		}
	}
	return nil
}

// AddAlias attaches alias to an entry. Adding the token itself or an
// existing alias is a no-op.
func (s *SQLiteStore) AddAlias(ctx context.Context, id, alias string) (Entry, error) {
	alias = strings.TrimSpace(alias)
	if !ValidName(alias) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, alias)
	}
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	key := NormalizeKey(alias)
	if NormalizeKey(entry.Token) == key {
		return entry, nil
	}
	for _, existing := range entry.Aliases {
		if NormalizeKey(existing) == key {
			return entry, nil
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sticker_aliases (sticker_id, alias) VALUES (?, ?)`, entry.ID, alias); err != nil {
		return Entry{}, fmt.Errorf("insert alias: %w", err)
	}
	entry.Aliases = append(entry.Aliases, alias)
	return entry, nil
}

// RemoveAlias detaches alias, matched case-insensitively.
func (s *SQLiteStore) RemoveAlias(ctx context.Context, id, alias string) (Entry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sticker_aliases WHERE sticker_id = ? AND lower(alias) = ?`, entry.ID, NormalizeKey(alias))
	if err != nil {
		return Entry{}, fmt.Errorf("delete alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, fmt.Errorf("%w: alias %q", ErrEntryNotFound, alias)
	}
	return s.GetEntry(ctx, entry.ID)
}

// ListPacks counts entries per pack.
func (s *SQLiteStore) ListPacks(ctx context.Context) ([]PackSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pack, COUNT(*) FROM stickers GROUP BY pack ORDER BY pack`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var packs []PackSummary
	for rows.Next() {
		var p PackSummary
		if err := rows.Scan(&p.Pack, &p.Count); err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

// Stats returns totals and the top used entries.
func (s *SQLiteStore) Stats(ctx context.Context, top int) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT pack) FROM stickers`).Scan(&st.Total, &st.Packs); err != nil {
		return Stats{}, err
	}
	if top <= 0 {
		return st, nil
	}
	used, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM stickers s
		WHERE s.usage_count > 0
		ORDER BY s.usage_count DESC, s.last_used_at DESC
		LIMIT ?`, top)
	if err != nil {
		return Stats{}, err
	}
	st.TopUsed = used
	return st, nil
}

func cleanAliases(token string, raw []string) ([]string, error) {
	seen := map[string]struct{}{NormalizeKey(token): {}}
	out := make([]string, 0, len(raw))
	for _, alias := range raw {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if !ValidName(alias) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, alias)
		}
		key := NormalizeKey(alias)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, alias)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
