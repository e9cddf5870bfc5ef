/*
Package sqlite provides a SQLite-backed lending.Store.

PURPOSE:
  Persists the catalog, the directory and the lending ledger in one SQLite
  database. The same shape is implemented for PostgreSQL in store/postgres;
  only locking and dialect details differ.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is append-only:
  - No UPDATE or DELETE statements are ever issued against it
  - Triggers abort any UPDATE/DELETE that reaches the table anyway
  - A borrow is closed by inserting a RETURN row (closes_entry_id)

KEY TABLES:
  books:          Catalog records + cached availability + version
  members:        Directory records, email UNIQUE (normalized form)
  ledger_entries: Immutable BORROW/RETURN log

INDEXES:
  - idx_ledger_book:   open-borrow lookup per book (hot path of every transition)
  - idx_ledger_member: "what does this member hold"
  - idx_books_updated: recent-books listing

SEARCH:
  title_folded, author_folded and name_folded hold lending.Fold of the
  visible columns and are written on every insert and update. Search runs
  LIKE over them with an escaped pattern, because SQLite's own LIKE folds
  ASCII letters only. Emails are stored folded already.

CONCURRENCY:
  The pool is limited to one connection and transactions start with
  BEGIN IMMEDIATE (_txlock=immediate), so a transaction holds the write
  lock from its first statement. SetBookHolder is still a version
  compare-and-swap, which keeps the contract identical to the other stores.

USAGE:
  store, err := sqlite.New("./data/library.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  lib := lending.NewLibrary(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - lending/store.go: Interface definitions
  - lending/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/mattn/go-sqlite3"

	"github.com/librarylend/ledger/lending"
)

const (
	dialect = "sqlite3"

	// timeLayout is fixed width so that text comparison orders timestamps.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store implements lending.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ lending.Store = (*Store)(nil)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL CHECK (name <> ''),
		email TEXT NOT NULL UNIQUE,
		name_folded TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL CHECK (title <> ''),
		author TEXT NOT NULL CHECK (author <> ''),
		title_folded TEXT NOT NULL,
		author_folded TEXT NOT NULL,
		is_borrowed INTEGER NOT NULL DEFAULT 0,
		current_member_id INTEGER REFERENCES members(id),
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		-- is_borrowed == (current_member_id IS NOT NULL)
		CHECK ((is_borrowed = 1 AND current_member_id IS NOT NULL)
		    OR (is_borrowed = 0 AND current_member_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_books_updated ON books(updated_at DESC, id DESC);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id INTEGER NOT NULL REFERENCES books(id),
		member_id INTEGER NOT NULL REFERENCES members(id),
		action_type TEXT NOT NULL CHECK (action_type IN ('BORROW', 'RETURN')),
		log_date TEXT NOT NULL,
		due_date TEXT,
		closes_entry_id INTEGER UNIQUE REFERENCES ledger_entries(id),
		CHECK (action_type = 'BORROW' OR closes_entry_id IS NOT NULL)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_book ON ledger_entries(book_id, id);
	CREATE INDEX IF NOT EXISTS idx_ledger_member ON ledger_entries(member_id, id);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
	BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BOOK STORE
// =============================================================================

var bookColumns = []any{"id", "title", "author", "is_borrowed", "current_member_id", "version", "created_at", "updated_at"}

func (s *Store) CreateBook(ctx context.Context, b lending.Book) (lending.Book, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO books (title, author, title_folded, author_folded, is_borrowed, current_member_id, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, NULL, 1, ?, ?)`,
		b.Title, b.Author, lending.Fold(b.Title), lending.Fold(b.Author), formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return lending.Book{}, fmt.Errorf("failed to insert book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return lending.Book{}, fmt.Errorf("failed to read book id: %w", err)
	}
	return getBook(ctx, s.db, lending.BookID(id))
}

func (s *Store) UpdateBook(ctx context.Context, id lending.BookID, title, author string, at time.Time) (lending.Book, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET title = ?, author = ?, title_folded = ?, author_folded = ?, updated_at = ?, version = version + 1
		 WHERE id = ?`,
		title, author, lending.Fold(title), lending.Fold(author), formatTime(at), id,
	)
	if err != nil {
		return lending.Book{}, fmt.Errorf("failed to update book: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lending.Book{}, lending.ErrNotFound
	}
	return getBook(ctx, s.db, id)
}

func (s *Store) GetBook(ctx context.Context, id lending.BookID) (lending.Book, error) {
	return getBook(ctx, s.db, id)
}

func (s *Store) ListBooks(ctx context.Context, q lending.BookQuery) ([]lending.Book, error) {
	ds := goqu.Dialect(dialect).From("books").Select(bookColumns...)

	switch q.Filter {
	case lending.FilterAvailable:
		ds = ds.Where(goqu.C("is_borrowed").Eq(0))
	case lending.FilterBorrowed:
		ds = ds.Where(goqu.C("is_borrowed").Eq(1))
	}
	if q.Search != "" {
		pattern := lending.ContainsPattern(q.Search)
		ds = ds.Where(goqu.Or(likeEscaped("title_folded", pattern), likeEscaped("author_folded", pattern)))
	}
	if q.Order == lending.OrderByRecent {
		ds = ds.Order(goqu.C("updated_at").Desc(), goqu.C("id").Desc())
	} else {
		ds = ds.Where(goqu.C("id").Gt(q.After)).Order(goqu.C("id").Asc())
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	defer rows.Close()

	books := make([]lending.Book, 0)
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// likeEscaped matches col against a pattern from lending.ContainsPattern.
// col holds folded text, so plain LIKE is enough.
func likeEscaped(col string, pattern string) exp.Expression {
	return goqu.L(`? LIKE ? ESCAPE '\'`, goqu.C(col), pattern)
}

func getBook(ctx context.Context, db dbtx, id lending.BookID) (lending.Book, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, title, author, is_borrowed, current_member_id, version, created_at, updated_at
		 FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Book{}, lending.ErrNotFound
	}
	return b, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (lending.Book, error) {
	var (
		b                    lending.Book
		isBorrowed           int
		currentMember        sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.Title, &b.Author, &isBorrowed, &currentMember, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan book: %w", err)
	}
	b.IsBorrowed = isBorrowed == 1
	if currentMember.Valid {
		m := lending.MemberID(currentMember.Int64)
		b.CurrentMember = &m
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// =============================================================================
// MEMBER STORE
// =============================================================================

func (s *Store) CreateMember(ctx context.Context, m lending.Member) (lending.Member, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO members (name, email, name_folded, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		m.Name, m.Email, lending.Fold(m.Name), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return lending.Member{}, lending.ErrAlreadyExists
		}
		return lending.Member{}, fmt.Errorf("failed to insert member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return lending.Member{}, fmt.Errorf("failed to read member id: %w", err)
	}
	return getMember(ctx, s.db, lending.MemberID(id))
}

func (s *Store) UpdateMember(ctx context.Context, m lending.Member) (lending.Member, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET name = ?, email = ?, name_folded = ?, updated_at = ? WHERE id = ?`,
		m.Name, m.Email, lending.Fold(m.Name), formatTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return lending.Member{}, lending.ErrAlreadyExists
		}
		return lending.Member{}, fmt.Errorf("failed to update member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lending.Member{}, lending.ErrNotFound
	}
	return getMember(ctx, s.db, m.ID)
}

func (s *Store) GetMember(ctx context.Context, id lending.MemberID) (lending.Member, error) {
	return getMember(ctx, s.db, id)
}

func (s *Store) FindMemberByEmail(ctx context.Context, email string) (lending.Member, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at, updated_at FROM members WHERE email = ?`, email)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Member{}, lending.ErrNotFound
	}
	return m, err
}

func (s *Store) ListMembers(ctx context.Context, q lending.MemberQuery) ([]lending.Member, error) {
	ds := goqu.Dialect(dialect).
		From("members").
		Select("id", "name", "email", "created_at", "updated_at").
		Where(goqu.C("id").Gt(q.After)).
		Order(goqu.C("id").Asc())
	if q.Search != "" {
		pattern := lending.ContainsPattern(q.Search)
		ds = ds.Where(goqu.Or(likeEscaped("name_folded", pattern), likeEscaped("email", pattern)))
	}
	if len(q.IDs) > 0 {
		ids := make([]int64, len(q.IDs))
		for i, id := range q.IDs {
			ids[i] = int64(id)
		}
		ds = ds.Where(goqu.C("id").In(ids))
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build member query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	members := make([]lending.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func getMember(ctx context.Context, db dbtx, id lending.MemberID) (lending.Member, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at, updated_at FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Member{}, lending.ErrNotFound
	}
	return m, err
}

func scanMember(row scanner) (lending.Member, error) {
	var (
		m                    lending.Member
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Email, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan member: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// =============================================================================
// LEDGER STORE (append-only)
// =============================================================================

const entryColumns = `id, book_id, member_id, action_type, log_date, due_date, closes_entry_id`

func (s *Store) AppendEntry(ctx context.Context, e lending.LedgerEntry) (lending.LedgerEntry, error) {
	return appendEntry(ctx, s.db, e)
}

func (s *Store) FindOpenBorrow(ctx context.Context, bookID lending.BookID) (*lending.LedgerEntry, error) {
	return findOpenBorrow(ctx, s.db, bookID)
}

func (s *Store) ListOpenBorrows(ctx context.Context, memberID lending.MemberID) ([]lending.LedgerEntry, error) {
	return listOpenBorrows(ctx, s.db, memberID)
}

func (s *Store) ListEntries(ctx context.Context, q lending.EntryQuery) ([]lending.LedgerEntry, error) {
	return listEntries(ctx, s.db, q)
}

func appendEntry(ctx context.Context, db dbtx, e lending.LedgerEntry) (lending.LedgerEntry, error) {
	var due sql.NullString
	if e.DueDate != nil {
		due = sql.NullString{String: formatTime(*e.DueDate), Valid: true}
	}
	var closes sql.NullInt64
	if e.ClosesEntry != nil {
		closes = sql.NullInt64{Int64: int64(*e.ClosesEntry), Valid: true}
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO ledger_entries (book_id, member_id, action_type, log_date, due_date, closes_entry_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.BookID, e.MemberID, string(e.Action), formatTime(e.LogDate), due, closes,
	)
	if err != nil {
		return lending.LedgerEntry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return lending.LedgerEntry{}, fmt.Errorf("failed to read ledger entry id: %w", err)
	}

	row := db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	return scanEntry(row)
}

func findOpenBorrow(ctx context.Context, db dbtx, bookID lending.BookID) (*lending.LedgerEntry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		WHERE e.book_id = ? AND e.action_type = 'BORROW'
		  AND NOT EXISTS (
		      SELECT 1 FROM ledger_entries r
		      WHERE r.book_id = e.book_id AND r.action_type = 'RETURN' AND r.id > e.id)
		ORDER BY e.id DESC
		LIMIT 1`, bookID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func listOpenBorrows(ctx context.Context, db dbtx, memberID lending.MemberID) ([]lending.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		WHERE e.member_id = ? AND e.action_type = 'BORROW'
		  AND NOT EXISTS (
		      SELECT 1 FROM ledger_entries r
		      WHERE r.book_id = e.book_id AND r.action_type = 'RETURN' AND r.id > e.id)
		ORDER BY e.id ASC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open borrows: %w", err)
	}
	return collectEntries(rows)
}

func listEntries(ctx context.Context, db dbtx, q lending.EntryQuery) ([]lending.LedgerEntry, error) {
	ds := goqu.Dialect(dialect).
		From("ledger_entries").
		Select("id", "book_id", "member_id", "action_type", "log_date", "due_date", "closes_entry_id").
		Order(goqu.C("id").Asc())
	if q.BookID != 0 {
		ds = ds.Where(goqu.C("book_id").Eq(q.BookID))
	}
	if q.MemberID != 0 {
		ds = ds.Where(goqu.C("member_id").Eq(q.MemberID))
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger query: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]lending.LedgerEntry, error) {
	defer rows.Close()

	entries := make([]lending.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row scanner) (lending.LedgerEntry, error) {
	var (
		e       lending.LedgerEntry
		action  string
		logDate string
		due     sql.NullString
		closes  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.BookID, &e.MemberID, &action, &logDate, &due, &closes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Action = lending.ActionType(action)
	e.LogDate = parseTime(logDate)
	if due.Valid {
		d := parseTime(due.String)
		e.DueDate = &d
	}
	if closes.Valid {
		c := lending.EntryID(closes.Int64)
		e.ClosesEntry = &c
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (lending.Tx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx lending.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes every statement through the open transaction; the pool has
// a single connection, so touching s.db here would deadlock.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockBook(ctx context.Context, id lending.BookID) (lending.Book, error) {
	return getBook(ctx, ts.tx, id)
}

func (ts *txStore) GetMember(ctx context.Context, id lending.MemberID) (lending.Member, error) {
	return getMember(ctx, ts.tx, id)
}

func (ts *txStore) SetBookHolder(ctx context.Context, id lending.BookID, expectedVersion int64, holder *lending.MemberID, at time.Time) (lending.Book, error) {
	var member sql.NullInt64
	borrowed := 0
	if holder != nil {
		member = sql.NullInt64{Int64: int64(*holder), Valid: true}
		borrowed = 1
	}

	res, err := ts.tx.ExecContext(ctx,
		`UPDATE books
		 SET is_borrowed = ?, current_member_id = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		borrowed, member, formatTime(at), id, expectedVersion,
	)
	if err != nil {
		return lending.Book{}, fmt.Errorf("failed to update book state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getBook(ctx, ts.tx, id); err != nil {
			return lending.Book{}, err
		}
		return lending.Book{}, lending.ErrConcurrentModification
	}
	return getBook(ctx, ts.tx, id)
}

func (ts *txStore) AppendEntry(ctx context.Context, e lending.LedgerEntry) (lending.LedgerEntry, error) {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) FindOpenBorrow(ctx context.Context, bookID lending.BookID) (*lending.LedgerEntry, error) {
	return findOpenBorrow(ctx, ts.tx, bookID)
}

func (ts *txStore) ListOpenBorrows(ctx context.Context, memberID lending.MemberID) ([]lending.LedgerEntry, error) {
	return listOpenBorrows(ctx, ts.tx, memberID)
}

func (ts *txStore) ListEntries(ctx context.Context, q lending.EntryQuery) ([]lending.LedgerEntry, error) {
	return listEntries(ctx, ts.tx, q)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
