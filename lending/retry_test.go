package lending

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryOnConflict(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond}
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		calls := 0
		err := retryOnConflict(ctx, p, func(int) error { calls++; return nil })
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("conflict then success", func(t *testing.T) {
		calls := 0
		err := retryOnConflict(ctx, p, func(attempt int) error {
			calls++
			if attempt < 2 {
				return fmt.Errorf("commit: %w", ErrConcurrentModification)
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("domain error is not retried", func(t *testing.T) {
		calls := 0
		err := retryOnConflict(ctx, p, func(int) error {
			calls++
			return FailedPrecondition("book already borrowed")
		})
		assert.ErrorIs(t, err, ErrFailedPrecondition)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := retryOnConflict(ctx, p, func(int) error {
			calls++
			return ErrConcurrentModification
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.Equal(t, 4, calls)
	})

	t.Run("canceled during backoff", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		err := retryOnConflict(cctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}, func(int) error {
			cancel()
			return ErrConcurrentModification
		})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestDecisions(t *testing.T) {
	holder := MemberID(7)
	available := Book{ID: 1}
	borrowed := Book{ID: 1, IsBorrowed: true, CurrentMember: &holder}

	assert.NoError(t, decideBorrow(available))
	assert.ErrorIs(t, decideBorrow(borrowed), ErrFailedPrecondition)

	assert.ErrorIs(t, decideReturn(available, 7), ErrFailedPrecondition)
	assert.ErrorIs(t, decideReturn(borrowed, 9), ErrPermissionDenied)
	assert.NoError(t, decideReturn(borrowed, 7))
}

func TestCheckConsistent(t *testing.T) {
	holder := MemberID(7)
	other := MemberID(9)
	open := &LedgerEntry{ID: 3, BookID: 1, MemberID: 7, Action: ActionBorrow}

	tests := []struct {
		name string
		book Book
		open *LedgerEntry
		ok   bool
	}{
		{"available, no open borrow", Book{ID: 1}, nil, true},
		{"borrowed, matching open borrow", Book{ID: 1, IsBorrowed: true, CurrentMember: &holder}, open, true},
		{"borrowed, no open borrow", Book{ID: 1, IsBorrowed: true, CurrentMember: &holder}, nil, false},
		{"available, open borrow", Book{ID: 1}, open, false},
		{"borrowed by someone else", Book{ID: 1, IsBorrowed: true, CurrentMember: &other}, open, false},
		{"flag without holder", Book{ID: 1, IsBorrowed: true}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkConsistent(tt.book, tt.open)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ie *InconsistencyError
			assert.ErrorAs(t, err, &ie)
			assert.ErrorIs(t, err, ErrInconsistentState)
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	storage := storageFault("get book", errors.New("disk on fire"))

	assert.Equal(t, CodeInternal, CodeOf(storage))
	assert.Equal(t, "an internal error occurred", MessageOf(storage))
	assert.True(t, IsRetryable(storage))
	assert.False(t, IsClientError(storage))

	nf := NotFound("book %d not found", 3)
	assert.Equal(t, CodeNotFound, CodeOf(nf))
	assert.Equal(t, "book 3 not found", MessageOf(nf))
	assert.True(t, IsNotFound(nf))
	assert.True(t, IsClientError(nf))
	assert.False(t, IsRetryable(nf))
	assert.Same(t, nf, storageFault("get book", nf))

	assert.Equal(t, CodeAlreadyExists, CodeOf(fmt.Errorf("wrapped: %w", ErrAlreadyExists)))
}
