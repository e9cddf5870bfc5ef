package lending

import (
	"context"
	"log/slog"
)

// Library is the entry point transport layers consume. It wires the four
// components over one store and exposes the public operations; reads go
// straight to the catalog, directory and ledger, and only the guard writes
// lending state.
type Library struct {
	Catalog   *Catalog
	Directory *Directory
	Ledger    *Ledger
	Guard     *Guard
	store     Store
}

// NewLibrary builds a Library over store. Options configure the guard; its
// clock is shared with the catalog and directory.
func NewLibrary(store Store, opts ...GuardOption) *Library {
	guard := NewGuard(store, opts...)
	return &Library{
		Catalog:   NewCatalog(store, store, guard.now),
		Directory: NewDirectory(store, guard.now),
		Ledger:    NewLedger(store),
		Guard:     guard,
		store:     store,
	}
}

// NewAuditor returns an auditor over this library's guard and catalog.
func (l *Library) NewAuditor(logger *slog.Logger) *Auditor {
	return NewAuditor(l.Guard, l.store, logger)
}

func (l *Library) Close() error {
	return l.store.Close()
}

// =============================================================================
// BOOKS
// =============================================================================

func (l *Library) CreateBook(ctx context.Context, title, author string) (Book, error) {
	return l.Catalog.Create(ctx, title, author)
}

func (l *Library) UpdateBook(ctx context.Context, id BookID, title, author string) (Book, error) {
	return l.Catalog.Update(ctx, id, title, author)
}

func (l *Library) GetBook(ctx context.Context, id BookID) (Book, error) {
	return l.Catalog.Get(ctx, id)
}

func (l *Library) ListBooks(ctx context.Context, filter BookFilter, search string, after BookID, pageSize int) (BookPage, error) {
	return l.Catalog.List(ctx, filter, search, after, pageSize)
}

func (l *Library) SearchBooks(ctx context.Context, query string) ([]Book, error) {
	return l.Catalog.Search(ctx, query)
}

func (l *Library) ListRecentBooks(ctx context.Context, limit int) ([]Book, error) {
	return l.Catalog.Recent(ctx, limit)
}

// BookHistory returns every ledger entry for the book, oldest first.
func (l *Library) BookHistory(ctx context.Context, id BookID) ([]LedgerEntry, error) {
	if _, err := l.Catalog.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.Ledger.History(ctx, EntryQuery{BookID: id})
}

// =============================================================================
// MEMBERS
// =============================================================================

func (l *Library) CreateMember(ctx context.Context, name, email string) (Member, error) {
	return l.Directory.Create(ctx, name, email)
}

func (l *Library) UpdateMember(ctx context.Context, id MemberID, name, email string) (Member, error) {
	return l.Directory.Update(ctx, id, name, email)
}

func (l *Library) GetMember(ctx context.Context, id MemberID) (Member, error) {
	return l.Directory.Get(ctx, id)
}

func (l *Library) ListMembers(ctx context.Context, search string, after MemberID, pageSize int) (MemberPage, error) {
	return l.Directory.List(ctx, search, after, pageSize)
}

func (l *Library) SearchMembers(ctx context.Context, query string) ([]Member, error) {
	return l.Directory.Search(ctx, query)
}

func (l *Library) CheckEmailAvailable(ctx context.Context, email string, exclude *MemberID) (bool, error) {
	return l.Directory.CheckEmailAvailable(ctx, email, exclude)
}

// MemberHistory returns every ledger entry for the member, oldest first.
func (l *Library) MemberHistory(ctx context.Context, id MemberID) ([]LedgerEntry, error) {
	if _, err := l.Directory.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.Ledger.History(ctx, EntryQuery{MemberID: id})
}

// =============================================================================
// LENDING
// =============================================================================

func (l *Library) BorrowBook(ctx context.Context, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	return l.Guard.Borrow(ctx, bookID, memberID)
}

func (l *Library) ReturnBook(ctx context.Context, bookID BookID, memberID MemberID) (LedgerEntry, error) {
	return l.Guard.Return(ctx, bookID, memberID)
}

// ListBorrowedBooks returns what the member currently holds, in borrow order.
func (l *Library) ListBorrowedBooks(ctx context.Context, memberID MemberID) ([]BorrowedBook, error) {
	if _, err := l.Directory.Get(ctx, memberID); err != nil {
		return nil, err
	}
	entries, err := l.Ledger.ListForMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	held := make([]BorrowedBook, 0, len(entries))
	for _, e := range entries {
		book, err := l.Catalog.Get(ctx, e.BookID)
		if err != nil {
			return nil, err
		}
		held = append(held, BorrowedBook{Book: book, Entry: e})
	}
	return held, nil
}
