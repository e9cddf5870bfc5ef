/*
handlers.go - HTTP API handlers for the library lending service

PURPOSE:
  Exposes the lending library via REST API. Handles HTTP request/response,
  JSON serialization and cursor encoding, and delegates to lending.Library.

ENDPOINTS:
  Books:
    GET    /api/books                   List books (filter, q, cursor, page_size)
    POST   /api/books                   Create book
    GET    /api/books/search?q=         Search by title or author (max 50)
    GET    /api/books/recent?limit=     Recently updated books
    GET    /api/books/{id}              Get book
    PUT    /api/books/{id}              Update title/author
    POST   /api/books/{id}/borrow       Borrow for {"member_id"}
    POST   /api/books/{id}/return       Return by {"member_id"}
    GET    /api/books/{id}/history      Ledger entries for the book

  Members:
    GET    /api/members                 List members (q, cursor, page_size)
    POST   /api/members                 Create member
    GET    /api/members/search?q=       Search by name or email (max 50)
    GET    /api/members/check-email     Email availability (email, exclude_id)
    GET    /api/members/{id}            Get member
    PUT    /api/members/{id}            Update name/email
    GET    /api/members/{id}/borrowed-books  Books the member holds
    GET    /api/members/{id}/history    Ledger entries for the member

  Admin:
    GET    /api/admin/audit             Last consistency report
    POST   /api/admin/audit             Run a consistency scan now

REQUEST FLOW:
  1. Parse path, query and body
  2. Call lending.Library (which validates)
  3. Serialize response
  4. Map errors through their boundary code (errors.go)

ERROR HANDLING:
  {"error": {"code": "...", "message": "..."}} with:
  - 400: INVALID_ARGUMENT
  - 403: PERMISSION_DENIED
  - 404: NOT_FOUND
  - 409: ALREADY_EXISTS
  - 412: FAILED_PRECONDITION
  - 500: INTERNAL_ERROR

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/librarylend/ledger/lending"
)

const (
	bookCursor   = "book"
	memberCursor = "member"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Library *lending.Library

	// Auditor backs the admin audit endpoints; nil disables them.
	Auditor *lending.Auditor

	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a new handler over lib.
func NewHandler(lib *lending.Library, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		Library: lib,
		logger:  logger,
		now:     time.Now,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BOOK HANDLERS
// =============================================================================

// ListBooks returns one page of books.
// GET /api/books?filter=available&q=dune&cursor=...&page_size=20
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := lending.ParseBookFilter(q.Get("filter"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	after, err := decodeCursor(bookCursor, q.Get("cursor"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := h.Library.ListBooks(r.Context(), filter, q.Get("q"), lending.BookID(after), pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := BookListResponse{Items: toBookDTOs(page.Books), HasMore: page.HasMore}
	if page.HasMore {
		resp.NextCursor = encodeCursor(bookCursor, int64(page.NextCursor))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateBook adds a book to the catalog.
// POST /api/books
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	book, err := h.Library.CreateBook(r.Context(), req.Title, req.Author)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookDTO(book))
}

// SearchBooks matches title or author.
// GET /api/books/search?q=herbert
func (h *Handler) SearchBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.Library.SearchBooks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTOs(books))
}

// RecentBooks lists the most recently updated books.
// GET /api/books/recent?limit=10
func (h *Handler) RecentBooks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	books, err := h.Library.ListRecentBooks(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTOs(books))
}

// GetBook returns a single book.
// GET /api/books/{id}
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "book")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	book, err := h.Library.GetBook(r.Context(), lending.BookID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(book))
}

// UpdateBook edits title and author. Availability is not writable here.
// PUT /api/books/{id}
func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "book")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req BookRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	book, err := h.Library.UpdateBook(r.Context(), lending.BookID(id), req.Title, req.Author)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(book))
}

// BorrowBook lends the book to a member.
// POST /api/books/{id}/borrow  {"member_id": 7}
func (h *Handler) BorrowBook(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Library.BorrowBook)
}

// ReturnBook closes the member's open borrow.
// POST /api/books/{id}/return  {"member_id": 7}
func (h *Handler) ReturnBook(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Library.ReturnBook)
}

type transitionFunc func(ctx context.Context, bookID lending.BookID, memberID lending.MemberID) (lending.LedgerEntry, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	id, err := pathID(r, "book")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req LendingRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	entry, err := apply(r.Context(), lending.BookID(id), lending.MemberID(req.MemberID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// BookHistory returns the ledger entries for a book, oldest first.
// GET /api/books/{id}/history
func (h *Handler) BookHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "book")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Library.BookHistory(r.Context(), lending.BookID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns one page of members.
// GET /api/members?q=...&cursor=...&page_size=20
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := decodeCursor(memberCursor, q.Get("cursor"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := h.Library.ListMembers(r.Context(), q.Get("q"), lending.MemberID(after), pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := MemberListResponse{Items: toMemberDTOs(page.Members), HasMore: page.HasMore}
	if page.HasMore {
		resp.NextCursor = encodeCursor(memberCursor, int64(page.NextCursor))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateMember registers a member.
// POST /api/members
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	member, err := h.Library.CreateMember(r.Context(), req.Name, req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(member))
}

// SearchMembers matches name or email.
// GET /api/members/search?q=arrakis
func (h *Handler) SearchMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Library.SearchMembers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTOs(members))
}

// CheckEmail reports whether an email can be used. exclude_id lets an edit
// form check the member's own address.
// GET /api/members/check-email?email=a@b.org&exclude_id=3
func (h *Handler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	var exclude *lending.MemberID
	if raw := r.URL.Query().Get("exclude_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, r, lending.InvalidArgument("invalid exclude_id %q", raw))
			return
		}
		id := lending.MemberID(n)
		exclude = &id
	}

	available, err := h.Library.CheckEmailAvailable(r.Context(), email, exclude)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EmailAvailabilityResponse{
		Email:     lending.NormalizeEmail(email),
		Available: available,
	})
}

// GetMember returns a single member.
// GET /api/members/{id}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "member")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	member, err := h.Library.GetMember(r.Context(), lending.MemberID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// UpdateMember edits name and email.
// PUT /api/members/{id}
func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "member")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req MemberRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	member, err := h.Library.UpdateMember(r.Context(), lending.MemberID(id), req.Name, req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// BorrowedBooks lists what the member currently holds.
// GET /api/members/{id}/borrowed-books
func (h *Handler) BorrowedBooks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "member")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	held, err := h.Library.ListBorrowedBooks(r.Context(), lending.MemberID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	now := h.now()
	dtos := make([]BorrowedBookDTO, len(held))
	for i, b := range held {
		dtos[i] = BorrowedBookDTO{
			Book:    toBookDTO(b.Book),
			Entry:   toEntryDTO(b.Entry),
			Overdue: b.Entry.Overdue(now),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MemberHistory returns the ledger entries for a member, oldest first.
// GET /api/members/{id}/history
func (h *Handler) MemberHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "member")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Library.MemberHistory(r.Context(), lending.MemberID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// LastAudit returns the most recent consistency report.
// GET /api/admin/audit
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		h.fail(w, r, lending.FailedPrecondition("auditor is not configured"))
		return
	}
	report, ok := h.Auditor.LastReport()
	if !ok {
		h.fail(w, r, lending.NotFound("no audit has run yet"))
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// RunAudit scans every book now. The scan only reads.
// POST /api/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		h.fail(w, r, lending.FailedPrecondition("auditor is not configured"))
		return
	}
	report := h.Auditor.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return lending.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, kind string) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, lending.InvalidArgument("invalid %s id %q", kind, raw)
	}
	return id, nil
}

// queryInt returns 0 when the parameter is absent.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, lending.InvalidArgument("invalid %s %q", name, raw)
	}
	return n, nil
}
