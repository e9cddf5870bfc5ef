/*
ledger.go - Append-only lending ledger

PURPOSE:
  The Ledger is the audit trail of every borrow and return. A borrow is
  never edited or deleted; it is closed by appending a RETURN.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: once appended, entries cannot be modified
  3. ONE OPEN BORROW: for a given book at most one BORROW is unmatched by a
     later RETURN (enforced by the Guard, which is the only appender)

OPEN BORROW:
  The most recent BORROW entry for a book with no later RETURN entry.

EXAMPLE FLOW:
  1. Borrow(book 1, member 7): BORROW #10, due 14 days later
  2. Return(book 1, member 7): RETURN #11, closes #10, due date copied

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - guard.go: the only writer
*/
package lending

import (
	"context"
	"fmt"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store LedgerStore
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store}
}

// Append validates and stores e; the store assigns the id. It fails only on
// malformed entries or storage faults.
func (l *Ledger) Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	if e.ID != 0 {
		return LedgerEntry{}, fmt.Errorf("append entry with preassigned id %d: %w", e.ID, ErrInvalidArgument)
	}
	if !e.Action.Valid() {
		return LedgerEntry{}, fmt.Errorf("append entry with action %q: %w", e.Action, ErrInvalidArgument)
	}
	if e.BookID <= 0 || e.MemberID <= 0 {
		return LedgerEntry{}, fmt.Errorf("append entry without book or member: %w", ErrInvalidArgument)
	}
	if e.LogDate.IsZero() {
		return LedgerEntry{}, fmt.Errorf("append entry without log date: %w", ErrInvalidArgument)
	}
	if e.Action == ActionReturn && e.ClosesEntry == nil {
		return LedgerEntry{}, fmt.Errorf("append RETURN that closes no BORROW: %w", ErrInvalidArgument)
	}

	stored, err := l.store.AppendEntry(ctx, e)
	if err != nil {
		return LedgerEntry{}, storageFault("append ledger entry", err)
	}
	return stored, nil
}

// FindOpenBorrow returns the open BORROW for the book, or nil.
func (l *Ledger) FindOpenBorrow(ctx context.Context, bookID BookID) (*LedgerEntry, error) {
	e, err := l.store.FindOpenBorrow(ctx, bookID)
	if err != nil {
		return nil, storageFault("find open borrow", err)
	}
	return e, nil
}

// ListForMember returns what the member is currently holding.
func (l *Ledger) ListForMember(ctx context.Context, memberID MemberID) ([]LedgerEntry, error) {
	entries, err := l.store.ListOpenBorrows(ctx, memberID)
	if err != nil {
		return nil, storageFault("list open borrows", err)
	}
	return entries, nil
}

// History returns entries for a book and/or member, oldest first.
func (l *Ledger) History(ctx context.Context, q EntryQuery) ([]LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, q)
	if err != nil {
		return nil, storageFault("list ledger entries", err)
	}
	return entries, nil
}
