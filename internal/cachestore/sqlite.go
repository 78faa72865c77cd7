package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
	"github.com/rohmanhakim/offline-agent/pkg/fileutil"
	"github.com/rohmanhakim/offline-agent/pkg/hashutil"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
  id   INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS entries (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  cache_id        INTEGER NOT NULL REFERENCES caches(id) ON DELETE CASCADE,
  key_hash        TEXT NOT NULL,
  method          TEXT NOT NULL,
  url             TEXT NOT NULL,
  request_header  TEXT NOT NULL,
  response_url    TEXT NOT NULL,
  status          INTEGER NOT NULL,
  response_type   TEXT NOT NULL,
  response_header TEXT NOT NULL,
  body            BLOB NOT NULL,
  stored_at       INTEGER NOT NULL,
  UNIQUE (cache_id, key_hash)
);
CREATE INDEX IF NOT EXISTS entries_key_hash ON entries (key_hash);
`

// SQLiteStorage persists caches in a SQLite database so a generation
// survives agent restarts. Entries are addressed by the blake3 hash of
// the request identity.
type SQLiteStorage struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStorage, failure.ClassifiedError) {
	if strings.TrimSpace(path) == "" {
		return nil, &StoreError{
			Message:   "storage path is required",
			Retryable: false,
			Cause:     ErrCauseOpenFailure,
		}
	}
	cleanPath := filepath.Clean(path)
	if err := fileutil.EnsureParentDir(cleanPath); err != nil {
		return nil, &StoreError{
			Message:   err.Error(),
			Retryable: false,
			Cause:     ErrCauseOpenFailure,
		}
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, openError("open sqlite db", err)
	}
	// single writer
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, openError("ping sqlite db", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, openError("apply schema", err)
	}
	return &SQLiteStorage{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO caches (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return nil, writeError("create cache", err)
	}
	var id int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT id FROM caches WHERE name = ?`, name).Scan(&id); err != nil {
		return nil, queryError("lookup cache", err)
	}
	return &sqliteCache{store: s, id: id, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE name = ?`, name).Scan(&count); err != nil {
		return false, queryError("count caches", err)
	}
	return count > 0, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY id`)
	if err != nil {
		return nil, queryError("list caches", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, queryError("scan cache name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("iterate caches", err)
	}
	return names, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, writeError("delete cache", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, queryError("delete cache", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return exchange.Response{}, false, contextError(err)
	}
	keyHash, hashErr := identityHash(req)
	if hashErr != nil {
		return exchange.Response{}, false, hashErr
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT e.response_url, e.status, e.response_type, e.response_header, e.body
		   FROM entries e JOIN caches c ON c.id = e.cache_id
		  WHERE e.key_hash = ?
		  ORDER BY c.id
		  LIMIT 1`,
		keyHash,
	)
	return scanResponse(row)
}

type sqliteCache struct {
	store *SQLiteStorage
	id    int64
	name  string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return exchange.Response{}, false, contextError(err)
	}
	keyHash, hashErr := identityHash(req)
	if hashErr != nil {
		return exchange.Response{}, false, hashErr
	}
	row := c.store.sqlDB.QueryRowContext(ctx,
		`SELECT response_url, status, response_type, response_header, body
		   FROM entries
		  WHERE cache_id = ? AND key_hash = ?`,
		c.id, keyHash,
	)
	return scanResponse(row)
}

func (c *sqliteCache) Put(ctx context.Context, req exchange.Request, resp exchange.Response) failure.ClassifiedError {
	return c.PutAll(ctx, []Entry{NewEntry(req, resp)})
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	tx, err := c.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return writeError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE id = ?`, c.id).Scan(&exists); err != nil {
		return queryError("check cache", err)
	}
	if exists == 0 {
		return errCacheDeleted(c.name)
	}

	storedAt := time.Now().UTC().UnixMilli()
	for _, entry := range entries {
		row, rowErr := encodeEntry(entry)
		if rowErr != nil {
			return rowErr
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache_id = ? AND key_hash = ?`, c.id, row.keyHash); err != nil {
			return writeError("replace entry", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (
			   cache_id, key_hash, method, url, request_header,
			   response_url, status, response_type, response_header, body, stored_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.id, row.keyHash, row.method, row.url, row.requestHeader,
			row.responseURL, row.status, row.responseType, row.responseHeader, row.body, storedAt,
		); err != nil {
			return writeError("insert entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return writeError("commit", err)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, req exchange.Request) (bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}
	keyHash, hashErr := identityHash(req)
	if hashErr != nil {
		return false, hashErr
	}
	result, err := c.store.sqlDB.ExecContext(ctx, `DELETE FROM entries WHERE cache_id = ? AND key_hash = ?`, c.id, keyHash)
	if err != nil {
		return false, writeError("delete entry", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, queryError("delete entry", err)
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]exchange.Request, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	rows, err := c.store.sqlDB.QueryContext(ctx,
		`SELECT method, url, request_header FROM entries WHERE cache_id = ? ORDER BY id`, c.id)
	if err != nil {
		return nil, queryError("list entries", err)
	}
	defer rows.Close()

	requests := []exchange.Request{}
	for rows.Next() {
		var method, rawURL, rawHeader string
		if err := rows.Scan(&method, &rawURL, &rawHeader); err != nil {
			return nil, queryError("scan entry", err)
		}
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, encodeError("parse stored url", err)
		}
		header := http.Header{}
		if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
			return nil, encodeError("decode request header", err)
		}
		requests = append(requests, exchange.NewRequest(method, *parsed, header, nil))
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("iterate entries", err)
	}
	return requests, nil
}

type entryRow struct {
	keyHash        string
	method         string
	url            string
	requestHeader  string
	responseURL    string
	status         int
	responseType   string
	responseHeader string
	body           []byte
}

func encodeEntry(entry Entry) (entryRow, failure.ClassifiedError) {
	keyHash, hashErr := identityHash(entry.Request)
	if hashErr != nil {
		return entryRow{}, hashErr
	}
	requestHeader, err := json.Marshal(entry.Request.Header())
	if err != nil {
		return entryRow{}, encodeError("encode request header", err)
	}
	responseHeader, err := json.Marshal(entry.Response.Header())
	if err != nil {
		return entryRow{}, encodeError("encode response header", err)
	}
	reqURL := entry.Request.URL()
	respURL := entry.Response.URL()
	body := entry.Response.Body()
	if body == nil {
		body = []byte{}
	}
	return entryRow{
		keyHash:        keyHash,
		method:         entry.Request.Method(),
		url:            reqURL.String(),
		requestHeader:  string(requestHeader),
		responseURL:    respURL.String(),
		status:         entry.Response.Status(),
		responseType:   string(entry.Response.Type()),
		responseHeader: string(responseHeader),
		body:           body,
	}, nil
}

func scanResponse(row *sql.Row) (exchange.Response, bool, failure.ClassifiedError) {
	var (
		rawURL       string
		status       int
		responseType string
		rawHeader    string
		body         []byte
	)
	err := row.Scan(&rawURL, &status, &responseType, &rawHeader, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Response{}, false, nil
	}
	if err != nil {
		return exchange.Response{}, false, queryError("match entry", err)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return exchange.Response{}, false, encodeError("parse stored url", err)
	}
	header := http.Header{}
	if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
		return exchange.Response{}, false, encodeError("decode response header", err)
	}
	return exchange.NewResponse(*parsed, status, exchange.ResponseType(responseType), header, body), true, nil
}

func identityHash(req exchange.Request) (string, failure.ClassifiedError) {
	keyHash, err := hashutil.HashString(req.Identity(), hashutil.HashAlgoBLAKE3)
	if err != nil {
		return "", encodeError("hash request identity", err)
	}
	return keyHash, nil
}

func openError(action string, err error) failure.ClassifiedError {
	return &StoreError{
		Message:   fmt.Sprintf("%s: %v", action, err),
		Retryable: false,
		Cause:     ErrCauseOpenFailure,
	}
}

func queryError(action string, err error) failure.ClassifiedError {
	if errors.Is(err, sql.ErrConnDone) {
		return errStoreClosed()
	}
	return &StoreError{
		Message:   fmt.Sprintf("%s: %v", action, err),
		Retryable: true,
		Cause:     ErrCauseQueryFailure,
	}
}

func writeError(action string, err error) failure.ClassifiedError {
	return &StoreError{
		Message:   fmt.Sprintf("%s: %v", action, err),
		Retryable: true,
		Cause:     ErrCauseWriteFailure,
	}
}

func encodeError(action string, err error) failure.ClassifiedError {
	return &StoreError{
		Message:   fmt.Sprintf("%s: %v", action, err),
		Retryable: false,
		Cause:     ErrCauseEncodeFailure,
	}
}
