package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarylend/ledger/lending"
	"github.com/librarylend/ledger/lending/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) lending.Store { return newTestStore(t) })
}

func TestLedgerIsAppendOnly(t *testing.T) {
	// GIVEN: A ledger with one borrow
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	lib := lending.NewLibrary(s, lending.WithClock(func() time.Time { return now }))
	b, err := lib.CreateBook(ctx, "Dune", "Herbert")
	require.NoError(t, err)
	m, err := lib.CreateMember(ctx, "Paul", "paul@arrakis.org")
	require.NoError(t, err)
	_, err = lib.BorrowBook(ctx, b.ID, m.ID)
	require.NoError(t, err)

	// WHEN: Something tries to rewrite or erase it behind the guard's back
	_, updateErr := s.db.ExecContext(ctx, `UPDATE ledger_entries SET member_id = 99`)
	_, deleteErr := s.db.ExecContext(ctx, `DELETE FROM ledger_entries`)

	// THEN: Both statements are rejected and the entry is untouched
	require.Error(t, updateErr)
	assert.Contains(t, updateErr.Error(), "append-only")
	require.Error(t, deleteErr)
	assert.Contains(t, deleteErr.Error(), "append-only")

	history, err := lib.BookHistory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, m.ID, history[0].MemberID)
}

func TestAvailabilityCheckConstraint(t *testing.T) {
	// GIVEN: A book
	s := newTestStore(t)
	ctx := context.Background()
	b, err := s.CreateBook(ctx, lending.Book{Title: "Dune", Author: "Herbert", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)

	// WHEN: The flag is set without a holder
	_, err = s.db.ExecContext(ctx, `UPDATE books SET is_borrowed = 1 WHERE id = ?`, b.ID)

	// THEN: The schema refuses the half-written state
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	// GIVEN: A file-backed store with a borrowed book
	path := filepath.Join(t.TempDir(), "library.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	lib := lending.NewLibrary(s)
	b, err := lib.CreateBook(ctx, "Hyperion", "Simmons")
	require.NoError(t, err)
	m, err := lib.CreateMember(ctx, "Kassad", "kassad@hegemony.org")
	require.NoError(t, err)
	_, err = lib.BorrowBook(ctx, b.ID, m.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: Reopening the same file
	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	// THEN: The migration is a no-op and the state is intact
	got, err := s2.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.HeldBy(m.ID))

	open, err := s2.FindOpenBorrow(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.NotNil(t, open.DueDate)
	assert.True(t, open.DueDate.After(open.LogDate))
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 123456789, time.FixedZone("CET", 3600))
	got := parseTime(formatTime(at))
	assert.True(t, got.Equal(at))
	assert.Equal(t, time.UTC, got.Location())

	// Fixed width keeps text order equal to time order.
	assert.Less(t, formatTime(at), formatTime(at.Add(time.Nanosecond)))
}
