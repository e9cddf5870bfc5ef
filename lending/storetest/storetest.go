// Package storetest is the behavioral contract every lending.Store must
// satisfy. Each implementation's tests call Run with a constructor that
// yields an empty store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/librarylend/ledger/lending"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) lending.Store

var t0 = time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC)

// Run executes the whole contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Books", func(t *testing.T) { testBooks(t, newStore(t)) })
	t.Run("ListBooks", func(t *testing.T) { testListBooks(t, newStore(t)) })
	t.Run("Members", func(t *testing.T) { testMembers(t, newStore(t)) })
	t.Run("ListMembers", func(t *testing.T) { testListMembers(t, newStore(t)) })
	t.Run("SearchIsLiteralAndFolded", func(t *testing.T) { testSearchIsLiteralAndFolded(t, newStore(t)) })
	t.Run("ListMembersByID", func(t *testing.T) { testListMembersByID(t, newStore(t)) })
	t.Run("LedgerOpenBorrow", func(t *testing.T) { testLedgerOpenBorrow(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxVersionConflict", func(t *testing.T) { testTxVersionConflict(t, newStore(t)) })
	t.Run("GuardOverStore", func(t *testing.T) { testGuardOverStore(t, newStore(t)) })
}

func createBook(t *testing.T, s lending.Store, title, author string) lending.Book {
	t.Helper()
	b, err := s.CreateBook(context.Background(), lending.Book{Title: title, Author: author, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	return b
}

func createMember(t *testing.T, s lending.Store, name, email string) lending.Member {
	t.Helper()
	m, err := s.CreateMember(context.Background(), lending.Member{Name: name, Email: email, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	return m
}

// =============================================================================
// BOOKS
// =============================================================================

func testBooks(t *testing.T, s lending.Store) {
	ctx := context.Background()

	b := createBook(t, s, "Dune", "Herbert")
	assert.Equal(t, lending.BookID(1), b.ID)
	assert.False(t, b.IsBorrowed)
	assert.Nil(t, b.CurrentMember)
	assert.Positive(t, b.Version)

	b2 := createBook(t, s, "Hyperion", "Simmons")
	assert.Greater(t, int64(b2.ID), int64(b.ID))

	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", got.Title)
	assert.True(t, got.CreatedAt.Equal(t0))

	later := t0.Add(time.Hour)
	updated, err := s.UpdateBook(ctx, b.ID, "Dune Messiah", "Frank Herbert", later)
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.Equal(t, "Frank Herbert", updated.Author)
	assert.True(t, updated.UpdatedAt.Equal(later))
	assert.Greater(t, updated.Version, b.Version)

	_, err = s.GetBook(ctx, 999)
	assert.ErrorIs(t, err, lending.ErrNotFound)
	_, err = s.UpdateBook(ctx, 999, "x", "y", later)
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func testListBooks(t *testing.T, s lending.Store) {
	ctx := context.Background()
	for _, tb := range []struct{ title, author string }{
		{"Dune", "Frank Herbert"},
		{"Hyperion", "Dan Simmons"},
		{"Children of Dune", "Frank Herbert"},
		{"The Fall of Hyperion", "Dan Simmons"},
		{"Neuromancer", "William Gibson"},
	} {
		createBook(t, s, tb.title, tb.author)
	}
	m := createMember(t, s, "Case", "case@sprawl.net")
	require.NoError(t, s.WithTx(ctx, func(tx lending.Tx) error {
		b, err := tx.LockBook(ctx, 2)
		if err != nil {
			return err
		}
		_, err = tx.SetBookHolder(ctx, 2, b.Version, &m.ID, t0.Add(time.Hour))
		return err
	}))

	ids := func(q lending.BookQuery) []lending.BookID {
		books, err := s.ListBooks(ctx, q)
		require.NoError(t, err)
		out := make([]lending.BookID, 0, len(books))
		for _, b := range books {
			out = append(out, b.ID)
		}
		return out
	}

	assert.Equal(t, []lending.BookID{1, 2, 3, 4, 5}, ids(lending.BookQuery{Filter: lending.FilterAll}))
	assert.Equal(t, []lending.BookID{3, 4}, ids(lending.BookQuery{Filter: lending.FilterAll, After: 2, Limit: 2}))
	assert.Equal(t, []lending.BookID{2}, ids(lending.BookQuery{Filter: lending.FilterBorrowed}))
	assert.Equal(t, []lending.BookID{1, 3, 4, 5}, ids(lending.BookQuery{Filter: lending.FilterAvailable}))
	assert.Equal(t, []lending.BookID{2, 4}, ids(lending.BookQuery{Filter: lending.FilterAll, Search: "HYPERION"}))
	assert.Equal(t, []lending.BookID{1, 3}, ids(lending.BookQuery{Filter: lending.FilterAll, Search: "herb"}))
	assert.Equal(t, []lending.BookID{4}, ids(lending.BookQuery{Filter: lending.FilterAvailable, Search: "simmons"}))
	assert.Empty(t, ids(lending.BookQuery{Filter: lending.FilterAll, Search: "tolkien"}))

	// Book 2 was touched last.
	recent := ids(lending.BookQuery{Filter: lending.FilterAll, Order: lending.OrderByRecent, Limit: 2})
	require.Len(t, recent, 2)
	assert.Equal(t, lending.BookID(2), recent[0])

	got, err := s.GetBook(ctx, 2)
	require.NoError(t, err)
	assert.True(t, got.HeldBy(m.ID))
}

// =============================================================================
// MEMBERS
// =============================================================================

func testMembers(t *testing.T, s lending.Store) {
	ctx := context.Background()

	m := createMember(t, s, "Paul", "paul@arrakis.org")
	assert.Equal(t, lending.MemberID(1), m.ID)

	_, err := s.CreateMember(ctx, lending.Member{Name: "Other", Email: "paul@arrakis.org", CreatedAt: t0, UpdatedAt: t0})
	assert.ErrorIs(t, err, lending.ErrAlreadyExists)

	byEmail, err := s.FindMemberByEmail(ctx, "paul@arrakis.org")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byEmail.ID)
	_, err = s.FindMemberByEmail(ctx, "nobody@arrakis.org")
	assert.ErrorIs(t, err, lending.ErrNotFound)

	j := createMember(t, s, "Jessica", "jessica@arrakis.org")

	// Own email, new name.
	m.Name = "Paul Atreides"
	m.UpdatedAt = t0.Add(time.Hour)
	updated, err := s.UpdateMember(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "Paul Atreides", updated.Name)

	// Someone else's email.
	j.Email = "paul@arrakis.org"
	_, err = s.UpdateMember(ctx, j)
	assert.ErrorIs(t, err, lending.ErrAlreadyExists)

	_, err = s.UpdateMember(ctx, lending.Member{ID: 99, Name: "x", Email: "x@y.zz"})
	assert.ErrorIs(t, err, lending.ErrNotFound)

	got, err := s.GetMember(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "jessica@arrakis.org", got.Email)
	_, err = s.GetMember(ctx, 99)
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func testListMembers(t *testing.T, s lending.Store) {
	ctx := context.Background()
	createMember(t, s, "Paul Atreides", "paul@arrakis.org")
	createMember(t, s, "Jessica", "jessica@bene-gesserit.org")
	createMember(t, s, "Gurney Halleck", "gurney@arrakis.org")

	all, err := s.ListMembers(ctx, lending.MemberQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := s.ListMembers(ctx, lending.MemberQuery{After: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, lending.MemberID(2), page[0].ID)

	byEmail, err := s.ListMembers(ctx, lending.MemberQuery{Search: "arrakis"})
	require.NoError(t, err)
	assert.Len(t, byEmail, 2)

	byName, err := s.ListMembers(ctx, lending.MemberQuery{Search: "HALLECK"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "Gurney Halleck", byName[0].Name)
}

// testSearchIsLiteralAndFolded pins search semantics shared by every backend:
// LIKE metacharacters in the query match themselves, and case folding is
// Unicode-aware rather than ASCII-only.
func testSearchIsLiteralAndFolded(t *testing.T, s lending.Store) {
	ctx := context.Background()
	createBook(t, s, "100% Pure", "Ann Lee")
	createBook(t, s, "1000 Nights", "Bo Ray")
	createBook(t, s, "Über Ümlaut", "Çelik Öz")
	createBook(t, s, "snake_case guide", "Dev Ops")

	titles := func(search string) []string {
		books, err := s.ListBooks(ctx, lending.BookQuery{Filter: lending.FilterAll, Search: search})
		require.NoError(t, err)
		out := make([]string, 0, len(books))
		for _, b := range books {
			out = append(out, b.Title)
		}
		return out
	}

	tests := []struct {
		search string
		want   []string
	}{
		{"100%", []string{"100% Pure"}},
		{"%", []string{"100% Pure"}},
		{"_", []string{"snake_case guide"}},
		{`\`, []string{}},
		{"10", []string{"100% Pure", "1000 Nights"}},
		{"ümlaut", []string{"Über Ümlaut"}},
		{"ÜMLAUT", []string{"Über Ümlaut"}},
		{"çelik", []string{"Über Ümlaut"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, titles(tt.search), "search %q", tt.search)
	}

	// Member emails arrive folded from the directory.
	createMember(t, s, "Zoë Ångström", "zoe@example.com")
	createMember(t, s, "Max_Power", "max@example.com")
	createMember(t, s, "Percy", "100%club@example.com")

	names := func(search string) []string {
		members, err := s.ListMembers(ctx, lending.MemberQuery{Search: search})
		require.NoError(t, err)
		out := make([]string, 0, len(members))
		for _, m := range members {
			out = append(out, m.Name)
		}
		return out
	}

	assert.Equal(t, []string{"Zoë Ångström"}, names("ÅNGSTRÖM"))
	assert.Equal(t, []string{"Max_Power"}, names("_"))
	assert.Equal(t, []string{"Percy"}, names("%"))
	assert.Equal(t, []string{"Zoë Ångström", "Max_Power", "Percy"}, names("EXAMPLE.COM"))
}

func testListMembersByID(t *testing.T, s lending.Store) {
	ctx := context.Background()
	a := createMember(t, s, "Leto", "leto@arrakis.org")
	createMember(t, s, "Duncan", "duncan@arrakis.org")
	c := createMember(t, s, "Chani", "chani@sietch.org")

	got, err := s.ListMembers(ctx, lending.MemberQuery{IDs: []lending.MemberID{c.ID, a.ID, 999}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Leto", got[0].Name)
	assert.Equal(t, "Chani", got[1].Name)
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedgerOpenBorrow(t *testing.T, s lending.Store) {
	ctx := context.Background()
	b1 := createBook(t, s, "Dune", "Herbert")
	b2 := createBook(t, s, "Hyperion", "Simmons")
	m := createMember(t, s, "Paul", "paul@arrakis.org")
	due := t0.Add(14 * 24 * time.Hour)

	open, err := s.FindOpenBorrow(ctx, b1.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	borrow, err := s.AppendEntry(ctx, lending.LedgerEntry{BookID: b1.ID, MemberID: m.ID, Action: lending.ActionBorrow, LogDate: t0, DueDate: &due})
	require.NoError(t, err)
	assert.Positive(t, int64(borrow.ID))

	open, err = s.FindOpenBorrow(ctx, b1.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, borrow.ID, open.ID)
	require.NotNil(t, open.DueDate)
	assert.True(t, open.DueDate.Equal(due))
	assert.Nil(t, open.ClosesEntry)

	other, err := s.AppendEntry(ctx, lending.LedgerEntry{BookID: b2.ID, MemberID: m.ID, Action: lending.ActionBorrow, LogDate: t0, DueDate: &due})
	require.NoError(t, err)
	assert.Greater(t, int64(other.ID), int64(borrow.ID))

	held, err := s.ListOpenBorrows(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, held, 2)
	assert.Equal(t, borrow.ID, held[0].ID)
	assert.Equal(t, other.ID, held[1].ID)

	closes := borrow.ID
	ret, err := s.AppendEntry(ctx, lending.LedgerEntry{BookID: b1.ID, MemberID: m.ID, Action: lending.ActionReturn, LogDate: t0.Add(time.Hour), DueDate: &due, ClosesEntry: &closes})
	require.NoError(t, err)
	require.NotNil(t, ret.ClosesEntry)
	assert.Equal(t, borrow.ID, *ret.ClosesEntry)

	open, err = s.FindOpenBorrow(ctx, b1.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	held, err = s.ListOpenBorrows(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, b2.ID, held[0].BookID)

	history, err := s.ListEntries(ctx, lending.EntryQuery{BookID: b1.ID})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, lending.ActionBorrow, history[0].Action)
	assert.Equal(t, lending.ActionReturn, history[1].Action)

	all, err := s.ListEntries(ctx, lending.EntryQuery{MemberID: m.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.ListEntries(ctx, lending.EntryQuery{MemberID: m.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTxCommit(t *testing.T, s lending.Store) {
	ctx := context.Background()
	b := createBook(t, s, "Dune", "Herbert")
	m := createMember(t, s, "Paul", "paul@arrakis.org")

	err := s.WithTx(ctx, func(tx lending.Tx) error {
		locked, err := tx.LockBook(ctx, b.ID)
		if err != nil {
			return err
		}
		if _, err := tx.GetMember(ctx, m.ID); err != nil {
			return err
		}
		updated, err := tx.SetBookHolder(ctx, b.ID, locked.Version, &m.ID, t0.Add(time.Minute))
		if err != nil {
			return err
		}
		assert.True(t, updated.HeldBy(m.ID))
		_, err = tx.AppendEntry(ctx, lending.LedgerEntry{BookID: b.ID, MemberID: m.ID, Action: lending.ActionBorrow, LogDate: t0})
		if err != nil {
			return err
		}
		open, err := tx.FindOpenBorrow(ctx, b.ID)
		if err != nil {
			return err
		}
		assert.NotNil(t, open, "a transaction sees its own append")
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.HeldBy(m.ID))
	open, err := s.FindOpenBorrow(ctx, b.ID)
	require.NoError(t, err)
	assert.NotNil(t, open)

	err = s.WithTx(ctx, func(tx lending.Tx) error {
		_, err := tx.LockBook(ctx, 999)
		return err
	})
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func testTxRollback(t *testing.T, s lending.Store) {
	ctx := context.Background()
	b := createBook(t, s, "Dune", "Herbert")
	m := createMember(t, s, "Paul", "paul@arrakis.org")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx lending.Tx) error {
		locked, err := tx.LockBook(ctx, b.ID)
		if err != nil {
			return err
		}
		if _, err := tx.SetBookHolder(ctx, b.ID, locked.Version, &m.ID, t0); err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, lending.LedgerEntry{BookID: b.ID, MemberID: m.ID, Action: lending.ActionBorrow, LogDate: t0}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Neither the state write nor the append survived.
	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsBorrowed)
	assert.Nil(t, got.CurrentMember)
	assert.Equal(t, b.Version, got.Version)
	entries, err := s.ListEntries(ctx, lending.EntryQuery{BookID: b.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testTxVersionConflict(t *testing.T, s lending.Store) {
	ctx := context.Background()
	b := createBook(t, s, "Dune", "Herbert")
	m := createMember(t, s, "Paul", "paul@arrakis.org")

	err := s.WithTx(ctx, func(tx lending.Tx) error {
		_, err := tx.SetBookHolder(ctx, b.ID, b.Version+41, &m.ID, t0)
		return err
	})
	assert.ErrorIs(t, err, lending.ErrConcurrentModification)

	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsBorrowed)
}

// =============================================================================
// GUARD INTEGRATION
// =============================================================================

func testGuardOverStore(t *testing.T, s lending.Store) {
	ctx := context.Background()
	lib := lending.NewLibrary(s)

	book, err := lib.CreateBook(ctx, "Dune", "Herbert")
	require.NoError(t, err)
	var members []lending.Member
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io", "g@x.io", "h@x.io"} {
		m, err := lib.CreateMember(ctx, "Racer", email)
		require.NoError(t, err)
		members = append(members, m)
	}

	var g errgroup.Group
	results := make([]error, len(members))
	for i, m := range members {
		g.Go(func() error {
			_, results[i] = lib.BorrowBook(ctx, book.ID, m.ID)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	var winner lending.MemberID
	for i, err := range results {
		if err == nil {
			wins++
			winner = members[i].ID
			continue
		}
		assert.ErrorIs(t, err, lending.ErrFailedPrecondition)
	}
	require.Equal(t, 1, wins)

	got, err := lib.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, got.HeldBy(winner))

	_, err = lib.ReturnBook(ctx, book.ID, winner)
	require.NoError(t, err)
	history, err := lib.BookHistory(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, lending.ActionReturn, history[1].Action)
	require.NotNil(t, history[1].ClosesEntry)
	assert.Equal(t, history[0].ID, *history[1].ClosesEntry)

	report := lib.NewAuditor(nil).RunNow(ctx)
	assert.True(t, report.Consistent())
}
