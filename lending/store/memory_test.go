package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarylend/ledger/lending"
	"github.com/librarylend/ledger/lending/store"
	"github.com/librarylend/ledger/lending/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) lending.Store { return store.NewMemory() })
}

func TestMemory_ReturnsCopies(t *testing.T) {
	// GIVEN: A borrowed book
	s := store.NewMemory()
	ctx := context.Background()
	lib := lending.NewLibrary(s)
	b, err := lib.CreateBook(ctx, "Dune", "Herbert")
	require.NoError(t, err)
	m, err := lib.CreateMember(ctx, "Paul", "paul@arrakis.org")
	require.NoError(t, err)
	_, err = lib.BorrowBook(ctx, b.ID, m.ID)
	require.NoError(t, err)

	// WHEN: A caller scribbles on what it got back
	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	*got.CurrentMember = 42
	open, err := s.FindOpenBorrow(ctx, b.ID)
	require.NoError(t, err)
	open.DueDate = nil

	// THEN: The stored state is unaffected
	again, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, again.HeldBy(m.ID))
	open, err = s.FindOpenBorrow(ctx, b.ID)
	require.NoError(t, err)
	assert.NotNil(t, open.DueDate)
}
