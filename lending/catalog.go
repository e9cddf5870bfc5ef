package lending

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	DefaultPageSize   = 20
	MaxPageSize       = 100
	SearchResultLimit = 50
)

// Catalog owns book identity. It stores the availability fields but never
// writes them; that is the Guard's job.
type Catalog struct {
	store   BookStore
	members MemberStore
	now     func() time.Time
}

// NewCatalog builds a catalog over store. members resolves holder names on
// reads.
func NewCatalog(store BookStore, members MemberStore, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{store: store, members: members, now: now}
}

func validateBook(title, author string) (string, string, error) {
	title, author = strings.TrimSpace(title), strings.TrimSpace(author)
	if title == "" {
		return "", "", InvalidArgument("title is required and cannot be empty")
	}
	if author == "" {
		return "", "", InvalidArgument("author is required and cannot be empty")
	}
	return title, author, nil
}

// Create adds an available book.
func (c *Catalog) Create(ctx context.Context, title, author string) (Book, error) {
	title, author, err := validateBook(title, author)
	if err != nil {
		return Book{}, err
	}
	now := c.now().UTC()
	b, err := c.store.CreateBook(ctx, Book{Title: title, Author: author, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return Book{}, storageFault("create book", err)
	}
	return b, nil
}

// Update edits title and author. Availability is untouched.
func (c *Catalog) Update(ctx context.Context, id BookID, title, author string) (Book, error) {
	title, author, err := validateBook(title, author)
	if err != nil {
		return Book{}, err
	}
	b, err := c.store.UpdateBook(ctx, id, title, author, c.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return Book{}, NotFound("book %d not found", id)
	}
	if err != nil {
		return Book{}, storageFault("update book", err)
	}
	return b, nil
}

func (c *Catalog) Get(ctx context.Context, id BookID) (Book, error) {
	b, err := c.store.GetBook(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Book{}, NotFound("book %d not found", id)
	}
	if err != nil {
		return Book{}, storageFault("get book", err)
	}
	books, err := c.withHolderNames(ctx, []Book{b})
	if err != nil {
		return Book{}, err
	}
	return books[0], nil
}

// List returns one page ordered by id. after is the cursor of the previous
// page (0 for the first page).
func (c *Catalog) List(ctx context.Context, filter BookFilter, search string, after BookID, pageSize int) (BookPage, error) {
	if filter == "" {
		filter = FilterAll
	}
	if _, err := ParseBookFilter(string(filter)); err != nil {
		return BookPage{}, err
	}
	if after < 0 {
		return BookPage{}, InvalidArgument("cursor must not be negative")
	}
	limit := clampPageSize(pageSize)

	books, err := c.store.ListBooks(ctx, BookQuery{
		Filter: filter,
		Search: strings.TrimSpace(search),
		After:  after,
		Limit:  limit + 1,
		Order:  OrderByID,
	})
	if err != nil {
		return BookPage{}, storageFault("list books", err)
	}
	if books, err = c.withHolderNames(ctx, books); err != nil {
		return BookPage{}, err
	}

	page := BookPage{Books: books}
	if len(books) > limit {
		page.Books = books[:limit]
		page.HasMore = true
		page.NextCursor = page.Books[limit-1].ID
	}
	return page, nil
}

// Search matches title or author substrings, case-insensitively.
func (c *Catalog) Search(ctx context.Context, query string) ([]Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Book{}, nil
	}
	books, err := c.store.ListBooks(ctx, BookQuery{Filter: FilterAll, Search: query, Limit: SearchResultLimit})
	if err != nil {
		return nil, storageFault("search books", err)
	}
	return c.withHolderNames(ctx, books)
}

// Recent returns the most recently updated books first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]Book, error) {
	books, err := c.store.ListBooks(ctx, BookQuery{Filter: FilterAll, Limit: clampPageSize(limit), Order: OrderByRecent})
	if err != nil {
		return nil, storageFault("list recent books", err)
	}
	return c.withHolderNames(ctx, books)
}

// withHolderNames fills CurrentMemberName for borrowed books with one
// directory read per call.
func (c *Catalog) withHolderNames(ctx context.Context, books []Book) ([]Book, error) {
	if c.members == nil {
		return books, nil
	}
	var ids []MemberID
	seen := make(map[MemberID]bool)
	for _, b := range books {
		if b.CurrentMember != nil && !seen[*b.CurrentMember] {
			seen[*b.CurrentMember] = true
			ids = append(ids, *b.CurrentMember)
		}
	}
	if len(ids) == 0 {
		return books, nil
	}

	holders, err := c.members.ListMembers(ctx, MemberQuery{IDs: ids})
	if err != nil {
		return nil, storageFault("resolve book holders", err)
	}
	names := make(map[MemberID]string, len(holders))
	for _, m := range holders {
		names[m.ID] = m.Name
	}
	for i := range books {
		if books[i].CurrentMember != nil {
			books[i].CurrentMemberName = names[*books[i].CurrentMember]
		}
	}
	return books, nil
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}
