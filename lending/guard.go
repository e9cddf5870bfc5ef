/*
guard.go - Consistency guard: the Borrow/Return state machine

PURPOSE:
  The Guard is the only writer of Book.IsBorrowed / Book.CurrentMember and
  the only appender to the ledger. Each transition validates its
  preconditions, flips the cached book state and appends the ledger entry
  inside one store transaction.

STATE MACHINE (per book):
  AVAILABLE --Borrow(m)--> BORROWED(m) --Return(m)--> AVAILABLE

  Borrow(book, member):
    1. book missing                 -> NOT_FOUND
    2. book BORROWED                -> FAILED_PRECONDITION "book already borrowed"
    3. member missing               -> NOT_FOUND
    4. set BORROWED(member), append BORROW with due date from the Policy

  Return(book, member):
    1. book missing                 -> NOT_FOUND
    2. book AVAILABLE               -> FAILED_PRECONDITION "book is not borrowed"
    3. holder != member             -> PERMISSION_DENIED
    4. set AVAILABLE, append RETURN closing the open BORROW

LINEARIZABILITY:
  Transitions on one book are serialized twice over:
    - in-process: a keyed lock per book id (different books never contend)
    - in the store: LockBook + a version compare-and-swap in SetBookHolder
  A lost CAS (another process won) is retried after re-reading state, so
  the loser sees the winner's result and fails its precondition.

DEADLINES:
  The caller's context is honored while waiting for the book lock and
  before the atomic step starts. The step itself runs on a context that
  cannot be canceled, so a transition is never abandoned halfway.

CACHE CROSS-CHECK:
  Before applying a transition the guard compares the cached state with
  FindOpenBorrow. A disagreement fails with ErrInconsistentState rather
  than extending the broken state.

SEE ALSO:
  - ledger.go: append-only ledger
  - auditor.go: periodic read-only consistency scan
*/
package lending

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// TransitionObserver receives every transition outcome. outcome is "OK" or
// the failure code. Observers must not block.
type TransitionObserver func(action ActionType, outcome string, elapsed time.Duration)

// OutcomeOK is the observer outcome of a successful transition.
const OutcomeOK = "OK"

type Guard struct {
	store    Store
	policy   Policy
	retry    RetryPolicy
	locks    *KeyedMutex[BookID]
	now      func() time.Time
	logger   *slog.Logger
	observer TransitionObserver
}

type GuardOption func(*Guard)

func WithPolicy(p Policy) GuardOption {
	return func(g *Guard) { g.policy = p }
}

func WithRetryPolicy(p RetryPolicy) GuardOption {
	return func(g *Guard) { g.retry = p }
}

func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

func WithObserver(o TransitionObserver) GuardOption {
	return func(g *Guard) { g.observer = o }
}

func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		policy: DefaultPolicy(),
		retry:  DefaultRetryPolicy(),
		locks:  NewKeyedMutex[BookID](),
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Borrow moves an available book to BORROWED(memberID) and returns the new
// BORROW entry.
func (g *Guard) Borrow(ctx context.Context, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	return g.run(ctx, ActionBorrow, bookID, memberID)
}

// Return moves a book held by memberID back to AVAILABLE and returns the new
// RETURN entry.
func (g *Guard) Return(ctx context.Context, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	return g.run(ctx, ActionReturn, bookID, memberID)
}

// Verify checks one book's cached state against the ledger under the same
// locks a transition takes. It never writes.
func (g *Guard) Verify(ctx context.Context, bookID BookID) error {
	unlock, err := g.locks.Lock(ctx, bookID)
	if err != nil {
		return err
	}
	defer unlock()

	return g.store.WithTx(ctx, func(tx Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if errors.Is(err, ErrNotFound) {
			return NotFound("book %d not found", bookID)
		}
		if err != nil {
			return storageFault("lock book", err)
		}
		open, err := tx.FindOpenBorrow(ctx, bookID)
		if err != nil {
			return storageFault("find open borrow", err)
		}
		return checkConsistent(book, open)
	})
}

func (g *Guard) run(ctx context.Context, action ActionType, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	start := g.now()
	entry, err := g.transition(ctx, action, bookID, memberID)
	g.report(ctx, action, bookID, memberID, entry, err, g.now().Sub(start))
	return entry, err
}

func (g *Guard) transition(ctx context.Context, action ActionType, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	if bookID <= 0 {
		return LedgerEntry{}, InvalidArgument("book id must be positive")
	}
	if memberID <= 0 {
		return LedgerEntry{}, InvalidArgument("member id must be positive")
	}

	unlock, err := g.locks.Lock(ctx, bookID)
	if err != nil {
		return LedgerEntry{}, err
	}
	defer unlock()

	var entry LedgerEntry
	err = retryOnConflict(ctx, g.retry, func(int) error {
		// Last point at which the caller may still back out.
		if err := ctx.Err(); err != nil {
			return err
		}
		atomicCtx := context.WithoutCancel(ctx)
		return g.store.WithTx(atomicCtx, func(tx Tx) error {
			var err error
			entry, err = g.apply(atomicCtx, tx, action, bookID, memberID)
			return err
		})
	})
	if err != nil {
		return LedgerEntry{}, storageFault("commit "+string(action), err)
	}
	return entry, nil
}

// apply runs inside the store transaction. Any error rolls it back.
func (g *Guard) apply(ctx context.Context, tx Tx, action ActionType, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	book, err := tx.LockBook(ctx, bookID)
	if errors.Is(err, ErrNotFound) {
		return LedgerEntry{}, NotFound("book %d not found", bookID)
	}
	if err != nil {
		return LedgerEntry{}, storageFault("lock book", err)
	}

	open, err := tx.FindOpenBorrow(ctx, bookID)
	if err != nil {
		return LedgerEntry{}, storageFault("find open borrow", err)
	}
	if err := checkConsistent(book, open); err != nil {
		return LedgerEntry{}, err
	}

	now := g.now().UTC()
	ledger := NewLedger(tx)

	switch action {
	case ActionBorrow:
		if err := decideBorrow(book); err != nil {
			return LedgerEntry{}, err
		}
		if _, err := tx.GetMember(ctx, memberID); errors.Is(err, ErrNotFound) {
			return LedgerEntry{}, NotFound("member %d not found", memberID)
		} else if err != nil {
			return LedgerEntry{}, storageFault("get member", err)
		}
		if err := setHolder(ctx, tx, book, &memberID, now); err != nil {
			return LedgerEntry{}, err
		}
		due := g.policy.DueDate(now)
		return ledger.Append(ctx, LedgerEntry{
			BookID:   bookID,
			MemberID: memberID,
			Action:   ActionBorrow,
			LogDate:  now,
			DueDate:  &due,
		})

	case ActionReturn:
		if err := decideReturn(book, memberID); err != nil {
			return LedgerEntry{}, err
		}
		if err := setHolder(ctx, tx, book, nil, now); err != nil {
			return LedgerEntry{}, err
		}
		closes := open.ID
		return ledger.Append(ctx, LedgerEntry{
			BookID:      bookID,
			MemberID:    memberID,
			Action:      ActionReturn,
			LogDate:     now,
			DueDate:     open.DueDate,
			ClosesEntry: &closes,
		})
	}
	return LedgerEntry{}, InvalidArgument("unknown action %q", action)
}

func setHolder(ctx context.Context, tx Tx, book Book, holder *MemberID, at time.Time) error {
	_, err := tx.SetBookHolder(ctx, book.ID, book.Version, holder, at)
	if err == nil || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return NotFound("book %d not found", book.ID)
	}
	return storageFault("set book holder", err)
}

// =============================================================================
// DECISIONS - pure functions over the locked book
// =============================================================================

func decideBorrow(book Book) error {
	if book.IsBorrowed {
		return FailedPrecondition("book already borrowed")
	}
	return nil
}

func decideReturn(book Book, memberID MemberID) error {
	if !book.IsBorrowed {
		return FailedPrecondition("book is not borrowed")
	}
	if !book.HeldBy(memberID) {
		return PermissionDenied("book was borrowed by a different member")
	}
	return nil
}

// checkConsistent compares the cached state with the open borrow.
func checkConsistent(book Book, open *LedgerEntry) error {
	switch {
	case open == nil && !book.IsBorrowed && book.CurrentMember == nil:
		return nil
	case open != nil && book.HeldBy(open.MemberID):
		return nil
	}
	return &InconsistencyError{BookID: book.ID, CachedHeld: book.CurrentMember, OpenEntry: open}
}

// =============================================================================
// REPORTING
// =============================================================================

func (g *Guard) report(ctx context.Context, action ActionType, bookID BookID, memberID MemberID, entry LedgerEntry, err error, elapsed time.Duration) {
	outcome := OutcomeOK
	if err != nil {
		outcome = string(CodeOf(err))
	}
	if g.observer != nil {
		g.observer(action, outcome, elapsed)
	}

	attrs := []any{
		slog.String("action", string(action)),
		slog.Int64("book_id", int64(bookID)),
		slog.Int64("member_id", int64(memberID)),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case err == nil:
		g.logger.InfoContext(ctx, "lending transition applied", append(attrs, slog.Int64("entry_id", int64(entry.ID)))...)
	case IsClientError(err):
		g.logger.WarnContext(ctx, "lending transition rejected", append(attrs, slog.String("code", outcome), slog.String("reason", MessageOf(err)))...)
	default:
		g.logger.ErrorContext(ctx, "lending transition failed", append(attrs, slog.String("code", outcome), slog.Any("error", err))...)
	}
}
