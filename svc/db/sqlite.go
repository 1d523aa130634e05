package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"bindrop/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second

	pageSize = 10
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastebin (
		paste_id TEXT PRIMARY KEY,
		user_id TEXT,
		session_id TEXT,
		title TEXT,
		tags TEXT,
		format TEXT NOT NULL,
		date DATETIME NOT NULL,
		alt_id TEXT,
		alt_url TEXT,
		storage_key TEXT NOT NULL,
		storage_byte_len INTEGER NOT NULL DEFAULT 0,
		bot_score TEXT NOT NULL DEFAULT '0',
		views INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastebin_date ON pastebin(date);
	`
	_, err = s.db.Exec(query)
	return err
}

// CreatePaste inserts the row and runs the blob upload inside one
// transaction. The insert happens before the upload and the commit only
// after the upload succeeds, so a row never outlives a failed upload.
func (s *SQLite) CreatePaste(ctx context.Context, p *domain.Paste, upload func(ctx context.Context) error) error {
	if err := s.checkCircuit(); err != nil {
		return errors.Wrap(domain.ErrTransaction, err.Error())
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.recordError(err)
		return wrapAs(domain.ErrTransaction, err, "begin tx")
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		tx.Rollback()
		return wrapAs(domain.ErrTransaction, err, "marshal tags")
	}
	q := `
	INSERT INTO pastebin (paste_id, user_id, session_id, title, tags, format, date, alt_id, alt_url, storage_key, storage_byte_len, bot_score, views, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	_, err = tx.ExecContext(queryCtx, q,
		p.ID, nullable(p.UserID), nullable(p.SessionID), nullable(p.Title), string(tags),
		string(p.Format), p.Date, nullable(p.AltID), nullable(p.AltURL),
		p.StorageKey, p.ByteLen, p.BotScore.String(), p.LastSeen,
	)
	cancel()
	s.recordError(err)
	if err != nil {
		tx.Rollback()
		return wrapAs(domain.ErrTransaction, err, "insert paste")
	}
	if err := upload(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return wrapAs(domain.ErrTransaction, rbErr, "rollback after upload failure")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return wrapAs(domain.ErrTransaction, err, "commit")
	}
	return nil
}

// DeletePaste removes the row and runs the blob removal inside one
// transaction; the freed storage key is returned for cache purging. The
// row delete happens first so a failed blob removal rolls it back intact.
func (s *SQLite) DeletePaste(ctx context.Context, id string, remove func(ctx context.Context, key string, alt bool) error) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", errors.Wrap(domain.ErrTransaction, err.Error())
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.recordError(err)
		return "", wrapAs(domain.ErrTransaction, err, "begin tx")
	}
	q := `DELETE FROM pastebin WHERE paste_id = ? RETURNING storage_key, alt_url`
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	var key string
	var altURL sql.NullString
	err = tx.QueryRowContext(queryCtx, q, id).Scan(&key, &altURL)
	cancel()
	if err == sql.ErrNoRows {
		tx.Rollback()
		return "", domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		tx.Rollback()
		return "", wrapAs(domain.ErrTransaction, err, "delete paste")
	}
	if err := remove(ctx, key, altURL.Valid && altURL.String != ""); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return "", wrapAs(domain.ErrTransaction, rbErr, "rollback after remove failure")
		}
		return "", err
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return "", wrapAs(domain.ErrTransaction, err, "commit")
	}
	return key, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, errors.Wrap(domain.ErrStorage, err.Error())
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT paste_id, user_id, session_id, title, tags, format, date, alt_id, alt_url, storage_key, storage_byte_len, bot_score, views, last_seen
	FROM pastebin WHERE paste_id = ?
	`
	var (
		p                        domain.Paste
		userID, sessionID, title sql.NullString
		tags, altID, altURL      sql.NullString
		format, score            string
	)
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&p.ID, &userID, &sessionID, &title, &tags, &format, &p.Date,
		&altID, &altURL, &p.StorageKey, &p.ByteLen, &score, &p.Views, &p.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, wrapAs(domain.ErrStorage, err, "db get")
	}
	p.UserID = userID.String
	p.SessionID = sessionID.String
	p.Title = title.String
	p.AltID = altID.String
	p.AltURL = altURL.String
	p.Format = domain.ParseFormat(format)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
			return nil, wrapAs(domain.ErrStorage, err, "unmarshal tags")
		}
	}
	if d, err := decimal.NewFromString(score); err == nil {
		p.BotScore = d
	}
	return &p, nil
}

// Search returns pastes whose tag list contains every query tag, newest
// first, ten per page. Tags are stored as a JSON array of lowercase
// alphanumeric strings, so a quoted LIKE per tag is an exact containment
// check with nothing to escape.
func (s *SQLite) Search(ctx context.Context, tags []string, page int) ([]domain.Summary, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, errors.Wrap(domain.ErrStorage, err.Error())
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT paste_id, title, tags, format, date, views FROM pastebin WHERE 1=1`
	args := make([]interface{}, 0, len(tags)+2)
	for _, tag := range tags {
		q += ` AND tags LIKE ?`
		args = append(args, `%"`+tag+`"%`)
	}
	q += ` ORDER BY date DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, wrapAs(domain.ErrStorage, err, "db search")
	}
	defer rows.Close()

	out := make([]domain.Summary, 0, pageSize)
	for rows.Next() {
		var (
			sum          domain.Summary
			title, tagsJ sql.NullString
			format       string
		)
		if err := rows.Scan(&sum.ID, &title, &tagsJ, &format, &sum.Date, &sum.Views); err != nil {
			return nil, wrapAs(domain.ErrStorage, err, "scan search row")
		}
		sum.Title = title.String
		sum.Format = domain.ParseFormat(format)
		if tagsJ.Valid && tagsJ.String != "" {
			if err := json.Unmarshal([]byte(tagsJ.String), &sum.Tags); err != nil {
				return nil, wrapAs(domain.ErrStorage, err, "unmarshal tags")
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapAs(domain.ErrStorage, err, "iterate search rows")
	}
	return out, nil
}

// SaveViews writes the absolute view count from the counter flush. The
// MAX guard keeps the durable count non-decreasing even when a flush
// carries a count seeded from a stale cached row.
func (s *SQLite) SaveViews(ctx context.Context, id string, views int64, lastSeen time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return errors.Wrap(domain.ErrStorage, err.Error())
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastebin SET views = MAX(views, ?), last_seen = ? WHERE paste_id = ?`
	_, err := s.db.ExecContext(queryCtx, q, views, lastSeen, id)
	s.recordError(err)
	return errors.Wrap(err, "save views")
}

func (s *SQLite) UpdateMeta(ctx context.Context, id, title string, tags []string) error {
	if err := s.checkCircuit(); err != nil {
		return errors.Wrap(domain.ErrStorage, err.Error())
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return wrapAs(domain.ErrStorage, err, "marshal tags")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastebin SET title = ?, tags = ? WHERE paste_id = ?`
	res, err := s.db.ExecContext(queryCtx, q, nullable(title), string(tagsJSON), id)
	s.recordError(err)
	if err != nil {
		return wrapAs(domain.ErrStorage, err, "update meta")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// wrapAs keeps the taxonomy error at the cause position for status mapping
// while preserving the driver detail for server-side logs.
func wrapAs(sentinel *domain.Err, err error, msg string) error {
	return errors.Wrapf(sentinel, "%s: %v", msg, err)
}
