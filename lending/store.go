/*
store.go - Persistence interfaces for catalog, directory and ledger

PURPOSE:
  Defines the boundary between the lending engine and its storage. The
  engine receives an explicitly owned Store handle; there is no ambient or
  global state, so tests substitute the in-memory implementation.

KEY INTERFACES:
  BookStore:   catalog records
  MemberStore: directory records (email unique)
  LedgerStore: append-only ledger (Append + reads, no Update, no Delete)
  Tx:          the view handed to WithTx for one atomic borrow/return step
  Store:       all of the above plus WithTx

ATOMIC STEP:
  WithTx guarantees that the book-state write and the ledger append either
  both happen or neither does. Implementations must make SetBookHolder a
  compare-and-swap on Book.Version (memory, SQLite) or hold a row lock taken
  by LockBook (PostgreSQL). A lost race surfaces as ErrConcurrentModification.

STORE ERRORS:
  Stores return the bare sentinels ErrNotFound, ErrAlreadyExists and
  ErrConcurrentModification. Everything else is treated as an
  infrastructure fault by the engine.

IMPLEMENTATIONS:
  - lending/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - guard.go: the only caller of WithTx
*/
package lending

import (
	"context"
	"time"
)

// BookStore persists catalog records. It never touches IsBorrowed or
// CurrentMember; those change only through Tx.SetBookHolder.
type BookStore interface {
	// CreateBook assigns the id, timestamps and initial version.
	CreateBook(ctx context.Context, b Book) (Book, error)

	// UpdateBook changes title and author. Returns ErrNotFound.
	UpdateBook(ctx context.Context, id BookID, title, author string, at time.Time) (Book, error)

	// GetBook returns ErrNotFound for unknown ids.
	GetBook(ctx context.Context, id BookID) (Book, error)

	// ListBooks returns at most q.Limit books matching q, ordered by q.Order.
	ListBooks(ctx context.Context, q BookQuery) ([]Book, error)
}

// MemberStore persists directory records.
type MemberStore interface {
	// CreateMember assigns the id. Returns ErrAlreadyExists on email collision.
	CreateMember(ctx context.Context, m Member) (Member, error)

	// UpdateMember rewrites name and email of m.ID. Returns ErrNotFound or
	// ErrAlreadyExists when the email belongs to a different member.
	UpdateMember(ctx context.Context, m Member) (Member, error)

	GetMember(ctx context.Context, id MemberID) (Member, error)

	// FindMemberByEmail looks up a normalized email. Returns ErrNotFound.
	FindMemberByEmail(ctx context.Context, email string) (Member, error)

	// ListMembers returns at most q.Limit members with ID > q.After, by id.
	ListMembers(ctx context.Context, q MemberQuery) ([]Member, error)
}

// LedgerStore is append-only. There is no Update and no Delete.
type LedgerStore interface {
	// AppendEntry assigns a monotonically increasing id and stores e.
	AppendEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// FindOpenBorrow returns the most recent BORROW for the book with no
	// later RETURN, or nil.
	FindOpenBorrow(ctx context.Context, bookID BookID) (*LedgerEntry, error)

	// ListOpenBorrows returns the member's BORROW entries with no later
	// RETURN for the same book, ordered by id.
	ListOpenBorrows(ctx context.Context, memberID MemberID) ([]LedgerEntry, error)

	// ListEntries returns history matching q, ordered by id.
	ListEntries(ctx context.Context, q EntryQuery) ([]LedgerEntry, error)
}

// Tx is the transactional view passed to Store.WithTx.
type Tx interface {
	LedgerStore

	// LockBook loads the book for the duration of the transaction. SQL
	// stores take a row or database lock here. Returns ErrNotFound.
	LockBook(ctx context.Context, id BookID) (Book, error)

	GetMember(ctx context.Context, id MemberID) (Member, error)

	// SetBookHolder sets the cached state: holder != nil means borrowed.
	// Fails with ErrConcurrentModification when the stored version is not
	// expectedVersion.
	SetBookHolder(ctx context.Context, id BookID, expectedVersion int64, holder *MemberID, at time.Time) (Book, error)
}

// Store is everything the engine needs.
type Store interface {
	BookStore
	MemberStore
	LedgerStore

	// WithTx executes fn atomically. If fn returns an error nothing fn
	// wrote is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
