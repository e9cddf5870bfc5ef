/*
Package lending provides the lending ledger and consistency guard.

PURPOSE:
  This package owns the catalog of books, the directory of members and the
  append-only ledger of borrow/return transitions between them. The only part
  with real invariants is the Guard: it validates preconditions, flips book
  availability and appends the ledger entry as one atomic unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Book: catalog record with a cached availability state
  - Member: directory record, unique by normalized email
  - LedgerEntry: immutable BORROW/RETURN record, ids only (no names)
  - Amount: a quantity with a unit, used for the loan period

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, a borrow is closed by a RETURN
  2. References: entries hold ids, so catalog/directory edits never rewrite history
  3. Type Safety: distinct id types prevent mixing book and member ids

SEE ALSO:
  - guard.go: Borrow/Return state machine
  - store.go: persistence interfaces
  - ledger.go: append-only ledger
*/
package lending

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BookID int64
type MemberID int64
type EntryID int64

// =============================================================================
// BOOK
// =============================================================================

// Book is a catalog record. IsBorrowed and CurrentMember are written only by
// the Guard, and IsBorrowed == (CurrentMember != nil) at all times.
type Book struct {
	ID            BookID
	Title         string
	Author        string
	IsBorrowed    bool
	CurrentMember *MemberID

	// CurrentMemberName is resolved on catalog reads; stores leave it empty.
	CurrentMemberName string

	// Version increases on every write and backs optimistic commits.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State reports the guard-level state of the book.
func (b Book) State() BookState {
	if b.IsBorrowed {
		return StateBorrowed
	}
	return StateAvailable
}

// HeldBy reports whether the book is currently borrowed by memberID.
func (b Book) HeldBy(memberID MemberID) bool {
	return b.IsBorrowed && b.CurrentMember != nil && *b.CurrentMember == memberID
}

type BookState string

const (
	StateAvailable BookState = "AVAILABLE"
	StateBorrowed  BookState = "BORROWED"
)

// BookFilter restricts a listing by availability.
type BookFilter string

const (
	FilterAll       BookFilter = "all"
	FilterAvailable BookFilter = "available"
	FilterBorrowed  BookFilter = "borrowed"
)

func ParseBookFilter(s string) (BookFilter, error) {
	switch BookFilter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterAvailable, FilterBorrowed:
		return BookFilter(s), nil
	}
	return "", InvalidArgument("unknown book filter %q (use all, available or borrowed)", s)
}

type BookOrder int

const (
	OrderByID BookOrder = iota
	OrderByRecent
)

// BookQuery is what a store needs to produce one page of books.
// Stores return up to Limit rows with ID > After when ordering by id.
type BookQuery struct {
	Filter BookFilter
	Search string
	After  BookID
	Limit  int
	Order  BookOrder
}

// BookPage is one page of a cursor listing. NextCursor is the id of the last
// item on the page and is only meaningful when HasMore is true.
type BookPage struct {
	Books      []Book
	NextCursor BookID
	HasMore    bool
}

// =============================================================================
// MEMBER
// =============================================================================

type Member struct {
	ID        MemberID
	Name      string
	Email     string // normalized, see NormalizeEmail
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MemberQuery struct {
	Search string
	After  MemberID
	Limit  int

	// IDs, when set, restricts the result to these members.
	IDs []MemberID
}

type MemberPage struct {
	Members    []Member
	NextCursor MemberID
	HasMore    bool
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type ActionType string

const (
	ActionBorrow ActionType = "BORROW"
	ActionReturn ActionType = "RETURN"
)

func (a ActionType) Valid() bool {
	return a == ActionBorrow || a == ActionReturn
}

// LedgerEntry is an immutable record of a single borrow or return.
//
// DueDate is computed once at borrow time and copied, never recomputed, so a
// later change of the loan period cannot rewrite history. A RETURN carries the
// due date of the BORROW it closes and points at it through ClosesEntry.
type LedgerEntry struct {
	ID          EntryID
	BookID      BookID
	MemberID    MemberID
	Action      ActionType
	LogDate     time.Time
	DueDate     *time.Time
	ClosesEntry *EntryID
}

// Overdue reports whether an open borrow is past its due date at now.
func (e LedgerEntry) Overdue(now time.Time) bool {
	return e.Action == ActionBorrow && e.DueDate != nil && now.After(*e.DueDate)
}

// EntryQuery selects ledger history. Zero ids mean "any".
type EntryQuery struct {
	BookID   BookID
	MemberID MemberID
	Limit    int
}

// BorrowedBook pairs a held book with the open entry that put it there.
type BorrowedBook struct {
	Book  Book
	Entry LedgerEntry
}

// =============================================================================
// AMOUNT - Quantity with unit (loan periods)
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays    Unit = "days"
	UnitHours   Unit = "hours"
	UnitMinutes Unit = "minutes"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func (a Amount) IsPositive() bool { return a.Value.IsPositive() }

// seconds returns the amount in seconds, or zero for an unknown unit.
func (a Amount) seconds() decimal.Decimal {
	var per time.Duration
	switch a.Unit {
	case UnitDays:
		per = 24 * time.Hour
	case UnitHours:
		per = time.Hour
	case UnitMinutes:
		per = time.Minute
	default:
		return decimal.Zero
	}
	return a.Value.Mul(decimal.NewFromInt(int64(per / time.Second)))
}

// maxDurationSeconds is the largest whole number of seconds a time.Duration holds.
var maxDurationSeconds = decimal.NewFromInt(math.MaxInt64 / int64(time.Second))

// Duration converts the amount to a time.Duration, truncated to the second.
// Amounts beyond the range of time.Duration saturate instead of wrapping.
func (a Amount) Duration() time.Duration {
	secs := a.seconds()
	if secs.GreaterThan(maxDurationSeconds) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs.IntPart()) * time.Second
}

// Exceeds reports whether a is strictly longer than b.
func (a Amount) Exceeds(b Amount) bool {
	return a.seconds().GreaterThan(b.seconds())
}

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.String(), a.Unit)
}

// Compact renders the amount in the form ParseLoanPeriod reads ("14d").
func (a Amount) Compact() string {
	if a.Unit == "" {
		return a.Value.String()
	}
	return a.Value.String() + string(a.Unit)[:1]
}
