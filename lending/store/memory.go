// Package store provides the in-memory lending.Store.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/librarylend/ledger/lending"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	books   map[lending.BookID]lending.Book
	members map[lending.MemberID]lending.Member
	emails  map[string]lending.MemberID

	// entries is ordered by id; byBook/byMember index into it.
	entries  []lending.LedgerEntry
	byBook   map[lending.BookID][]int
	byMember map[lending.MemberID][]int

	nextBook   int64
	nextMember int64
	nextEntry  int64
}

var _ lending.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		books:    make(map[lending.BookID]lending.Book),
		members:  make(map[lending.MemberID]lending.Member),
		emails:   make(map[string]lending.MemberID),
		byBook:   make(map[lending.BookID][]int),
		byMember: make(map[lending.MemberID][]int),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// BOOKS
// =============================================================================

func (m *Memory) CreateBook(_ context.Context, b lending.Book) (lending.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBook++
	b.ID = lending.BookID(m.nextBook)
	b.Version = 1
	b.IsBorrowed, b.CurrentMember = false, nil
	m.books[b.ID] = b
	return cloneBook(b), nil
}

func (m *Memory) UpdateBook(_ context.Context, id lending.BookID, title, author string, at time.Time) (lending.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return lending.Book{}, lending.ErrNotFound
	}
	b.Title, b.Author, b.UpdatedAt = title, author, at
	b.Version++
	m.books[id] = b
	return cloneBook(b), nil
}

func (m *Memory) GetBook(_ context.Context, id lending.BookID) (lending.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[id]
	if !ok {
		return lending.Book{}, lending.ErrNotFound
	}
	return cloneBook(b), nil
}

func (m *Memory) ListBooks(_ context.Context, q lending.BookQuery) ([]lending.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := lending.Fold(q.Search)
	result := make([]lending.Book, 0)
	for _, b := range m.books {
		if q.Order == lending.OrderByID && b.ID <= q.After {
			continue
		}
		switch q.Filter {
		case lending.FilterAvailable:
			if b.IsBorrowed {
				continue
			}
		case lending.FilterBorrowed:
			if !b.IsBorrowed {
				continue
			}
		}
		if needle != "" &&
			!strings.Contains(lending.Fold(b.Title), needle) &&
			!strings.Contains(lending.Fold(b.Author), needle) {
			continue
		}
		result = append(result, cloneBook(b))
	}

	if q.Order == lending.OrderByRecent {
		sort.Slice(result, func(i, j int) bool {
			if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
				return result[i].UpdatedAt.After(result[j].UpdatedAt)
			}
			return result[i].ID > result[j].ID
		})
	} else {
		sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	}

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// =============================================================================
// MEMBERS
// =============================================================================

func (m *Memory) CreateMember(_ context.Context, mem lending.Member) (lending.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.emails[mem.Email]; taken {
		return lending.Member{}, lending.ErrAlreadyExists
	}
	m.nextMember++
	mem.ID = lending.MemberID(m.nextMember)
	m.members[mem.ID] = mem
	m.emails[mem.Email] = mem.ID
	return mem, nil
}

func (m *Memory) UpdateMember(_ context.Context, mem lending.Member) (lending.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.members[mem.ID]
	if !ok {
		return lending.Member{}, lending.ErrNotFound
	}
	if owner, taken := m.emails[mem.Email]; taken && owner != mem.ID {
		return lending.Member{}, lending.ErrAlreadyExists
	}
	delete(m.emails, current.Email)
	m.emails[mem.Email] = mem.ID
	mem.CreatedAt = current.CreatedAt
	m.members[mem.ID] = mem
	return mem, nil
}

func (m *Memory) GetMember(_ context.Context, id lending.MemberID) (lending.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMemberLocked(id)
}

func (m *Memory) getMemberLocked(id lending.MemberID) (lending.Member, error) {
	mem, ok := m.members[id]
	if !ok {
		return lending.Member{}, lending.ErrNotFound
	}
	return mem, nil
}

func (m *Memory) FindMemberByEmail(_ context.Context, email string) (lending.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[email]
	if !ok {
		return lending.Member{}, lending.ErrNotFound
	}
	return m.members[id], nil
}

func (m *Memory) ListMembers(_ context.Context, q lending.MemberQuery) ([]lending.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := lending.Fold(q.Search)
	var only map[lending.MemberID]bool
	if len(q.IDs) > 0 {
		only = make(map[lending.MemberID]bool, len(q.IDs))
		for _, id := range q.IDs {
			only[id] = true
		}
	}
	result := make([]lending.Member, 0)
	for _, mem := range m.members {
		if mem.ID <= q.After {
			continue
		}
		if only != nil && !only[mem.ID] {
			continue
		}
		if needle != "" &&
			!strings.Contains(lending.Fold(mem.Name), needle) &&
			!strings.Contains(mem.Email, needle) {
			continue
		}
		result = append(result, mem)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, e lending.LedgerEntry) (lending.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e), nil
}

func (m *Memory) appendLocked(e lending.LedgerEntry) lending.LedgerEntry {
	m.nextEntry++
	e.ID = lending.EntryID(m.nextEntry)
	e = cloneEntry(e)

	idx := len(m.entries)
	m.entries = append(m.entries, e)
	m.byBook[e.BookID] = append(m.byBook[e.BookID], idx)
	m.byMember[e.MemberID] = append(m.byMember[e.MemberID], idx)
	return cloneEntry(e)
}

// truncateLocked drops entries appended after n entries existed. Used only
// to roll back an aborted transaction.
func (m *Memory) truncateLocked(n int) {
	for i := len(m.entries) - 1; i >= n; i-- {
		e := m.entries[i]
		m.byBook[e.BookID] = m.byBook[e.BookID][:len(m.byBook[e.BookID])-1]
		m.byMember[e.MemberID] = m.byMember[e.MemberID][:len(m.byMember[e.MemberID])-1]
	}
	m.entries = m.entries[:n]
}

func (m *Memory) FindOpenBorrow(_ context.Context, bookID lending.BookID) (*lending.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOpenLocked(bookID), nil
}

// findOpenLocked: the latest entry for the book decides. A trailing BORROW
// is open, a trailing RETURN closes everything before it.
func (m *Memory) findOpenLocked(bookID lending.BookID) *lending.LedgerEntry {
	idx := m.byBook[bookID]
	if len(idx) == 0 {
		return nil
	}
	last := m.entries[idx[len(idx)-1]]
	if last.Action != lending.ActionBorrow {
		return nil
	}
	e := cloneEntry(last)
	return &e
}

func (m *Memory) ListOpenBorrows(_ context.Context, memberID lending.MemberID) ([]lending.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOpenLocked(memberID), nil
}

func (m *Memory) listOpenLocked(memberID lending.MemberID) []lending.LedgerEntry {
	seen := make(map[lending.BookID]bool)
	result := make([]lending.LedgerEntry, 0)
	for _, i := range m.byMember[memberID] {
		bookID := m.entries[i].BookID
		if seen[bookID] {
			continue
		}
		seen[bookID] = true
		if open := m.findOpenLocked(bookID); open != nil && open.MemberID == memberID {
			result = append(result, *open)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) ListEntries(_ context.Context, q lending.EntryQuery) ([]lending.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntriesLocked(q), nil
}

func (m *Memory) listEntriesLocked(q lending.EntryQuery) []lending.LedgerEntry {
	result := make([]lending.LedgerEntry, 0)
	for _, e := range m.entries {
		if q.BookID != 0 && e.BookID != q.BookID {
			continue
		}
		if q.MemberID != 0 && e.MemberID != q.MemberID {
			continue
		}
		result = append(result, cloneEntry(e))
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn under the write lock. Writes go straight to the maps;
// an undo log restores them if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(lending.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txView{parent: m, entriesAt: len(m.entries), nextEntryAt: m.nextEntry}
	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	return nil
}

type txView struct {
	parent      *Memory
	entriesAt   int
	nextEntryAt int64
	undo        []lending.Book
}

var _ lending.Tx = (*txView)(nil)

func (tv *txView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.parent.books[tv.undo[i].ID] = tv.undo[i]
	}
	tv.parent.truncateLocked(tv.entriesAt)
	tv.parent.nextEntry = tv.nextEntryAt
}

func (tv *txView) LockBook(_ context.Context, id lending.BookID) (lending.Book, error) {
	b, ok := tv.parent.books[id]
	if !ok {
		return lending.Book{}, lending.ErrNotFound
	}
	return cloneBook(b), nil
}

func (tv *txView) GetMember(_ context.Context, id lending.MemberID) (lending.Member, error) {
	return tv.parent.getMemberLocked(id)
}

func (tv *txView) SetBookHolder(_ context.Context, id lending.BookID, expectedVersion int64, holder *lending.MemberID, at time.Time) (lending.Book, error) {
	b, ok := tv.parent.books[id]
	if !ok {
		return lending.Book{}, lending.ErrNotFound
	}
	if b.Version != expectedVersion {
		return lending.Book{}, lending.ErrConcurrentModification
	}
	tv.undo = append(tv.undo, b)

	b.IsBorrowed = holder != nil
	b.CurrentMember = nil
	if holder != nil {
		h := *holder
		b.CurrentMember = &h
	}
	b.UpdatedAt = at
	b.Version++
	tv.parent.books[id] = b
	return cloneBook(b), nil
}

func (tv *txView) AppendEntry(_ context.Context, e lending.LedgerEntry) (lending.LedgerEntry, error) {
	return tv.parent.appendLocked(e), nil
}

func (tv *txView) FindOpenBorrow(_ context.Context, bookID lending.BookID) (*lending.LedgerEntry, error) {
	return tv.parent.findOpenLocked(bookID), nil
}

func (tv *txView) ListOpenBorrows(_ context.Context, memberID lending.MemberID) ([]lending.LedgerEntry, error) {
	return tv.parent.listOpenLocked(memberID), nil
}

func (tv *txView) ListEntries(_ context.Context, q lending.EntryQuery) ([]lending.LedgerEntry, error) {
	return tv.parent.listEntriesLocked(q), nil
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// ForceBookState overwrites a book's cached state without touching the
// ledger. It exists to exercise the consistency checks; nothing else may
// call it.
func (m *Memory) ForceBookState(id lending.BookID, holder *lending.MemberID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.books[id]
	b.IsBorrowed = holder != nil
	b.CurrentMember = holder
	b.Version++
	m.books[id] = b
}

func cloneBook(b lending.Book) lending.Book {
	if b.CurrentMember != nil {
		h := *b.CurrentMember
		b.CurrentMember = &h
	}
	return b
}

func cloneEntry(e lending.LedgerEntry) lending.LedgerEntry {
	if e.DueDate != nil {
		d := *e.DueDate
		e.DueDate = &d
	}
	if e.ClosesEntry != nil {
		c := *e.ClosesEntry
		e.ClosesEntry = &c
	}
	return e
}
