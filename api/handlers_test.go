/*
handlers_test.go - Tests for API handlers

Tests for:
- Borrow/return through HTTP, including the status code of each rejection
- Cursor pagination end to end
- Error body shape and status mapping
- Email availability, borrowed books, audit endpoints, metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarylend/ledger/lending"
	"github.com/librarylend/ledger/store/sqlite"
)

var testNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router  *chi.Mux
	handler *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lib := lending.NewLibrary(store,
		lending.WithClock(func() time.Time { return testNow }),
		lending.WithObserver(ObserveTransition),
	)
	h := NewHandler(lib, nil)
	h.now = func() time.Time { return testNow }
	h.Auditor = lib.NewAuditor(nil)

	return &testServer{router: NewRouter(h, RouterConfig{}), handler: h}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code lending.Code) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(code), resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Message)
}

func (s *testServer) createBook(t *testing.T, title, author string) BookDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/books", BookRequest{Title: title, Author: author})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[BookDTO](t, rec)
}

func (s *testServer) createMember(t *testing.T, name, email string) MemberDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/members", MemberRequest{Name: name, Email: email})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[MemberDTO](t, rec)
}

// =============================================================================
// LENDING
// =============================================================================

func TestBorrowReturn_Scenario(t *testing.T) {
	// GIVEN: Dune, its borrower and someone else
	s := newTestServer(t)
	book := s.createBook(t, "Dune", "Herbert")
	paul := s.createMember(t, "Paul", "paul@arrakis.org")
	feyd := s.createMember(t, "Feyd", "feyd@giedi.org")
	path := "/api/books/" + itoa(book.ID)

	// WHEN: Paul borrows it
	rec := s.do(t, http.MethodPost, path+"/borrow", LendingRequest{MemberID: paul.ID})

	// THEN: A BORROW entry with a due date snapshot comes back
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	borrow := decode[LedgerEntryDTO](t, rec)
	assert.Equal(t, "BORROW", borrow.ActionType)
	assert.Equal(t, book.ID, borrow.BookID)
	assert.Equal(t, paul.ID, borrow.MemberID)
	require.NotNil(t, borrow.DueDate)
	assert.Equal(t, "2025-03-24T09:00:00Z", *borrow.DueDate)

	got := decode[BookDTO](t, s.do(t, http.MethodGet, path, nil))
	assert.True(t, got.IsBorrowed)
	require.NotNil(t, got.CurrentMemberID)
	assert.Equal(t, paul.ID, *got.CurrentMemberID)

	// AND: Every rejection maps to its own status
	assertError(t, s.do(t, http.MethodPost, path+"/borrow", LendingRequest{MemberID: feyd.ID}),
		http.StatusPreconditionFailed, lending.CodeFailedPrecondition)
	assertError(t, s.do(t, http.MethodPost, path+"/return", LendingRequest{MemberID: feyd.ID}),
		http.StatusForbidden, lending.CodePermissionDenied)

	// WHEN: Paul returns it
	rec = s.do(t, http.MethodPost, path+"/return", LendingRequest{MemberID: paul.ID})

	// THEN: The RETURN closes the BORROW
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ret := decode[LedgerEntryDTO](t, rec)
	assert.Equal(t, "RETURN", ret.ActionType)
	require.NotNil(t, ret.ClosesEntryID)
	assert.Equal(t, borrow.ID, *ret.ClosesEntryID)

	assertError(t, s.do(t, http.MethodPost, path+"/return", LendingRequest{MemberID: paul.ID}),
		http.StatusPreconditionFailed, lending.CodeFailedPrecondition)

	history := decode[[]LedgerEntryDTO](t, s.do(t, http.MethodGet, path+"/history", nil))
	require.Len(t, history, 2)
	assert.Equal(t, "BORROW", history[0].ActionType)
	assert.Equal(t, "RETURN", history[1].ActionType)
}

func TestBorrow_NotFoundAndInvalid(t *testing.T) {
	s := newTestServer(t)
	book := s.createBook(t, "Dune", "Herbert")
	path := "/api/books/" + itoa(book.ID)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   lending.Code
	}{
		{"unknown book", "/api/books/999/borrow", LendingRequest{MemberID: 1}, http.StatusNotFound, lending.CodeNotFound},
		{"unknown member", path + "/borrow", LendingRequest{MemberID: 42}, http.StatusNotFound, lending.CodeNotFound},
		{"missing member id", path + "/borrow", map[string]any{}, http.StatusBadRequest, lending.CodeInvalidArgument},
		{"non-numeric book id", "/api/books/abc/borrow", LendingRequest{MemberID: 1}, http.StatusBadRequest, lending.CodeInvalidArgument},
		{"unknown field", path + "/borrow", map[string]any{"member": 1}, http.StatusBadRequest, lending.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(t, http.MethodPost, tt.path, tt.body), tt.status, tt.code)
		})
	}
}

func TestBorrowedBooks(t *testing.T) {
	// GIVEN: A member holding one of two books
	s := newTestServer(t)
	dune := s.createBook(t, "Dune", "Herbert")
	s.createBook(t, "Hyperion", "Simmons")
	paul := s.createMember(t, "Paul", "paul@arrakis.org")
	rec := s.do(t, http.MethodPost, "/api/books/"+itoa(dune.ID)+"/borrow", LendingRequest{MemberID: paul.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Listing it a month later
	s.handler.now = func() time.Time { return testNow.AddDate(0, 1, 0) }
	held := decode[[]BorrowedBookDTO](t, s.do(t, http.MethodGet, "/api/members/"+itoa(paul.ID)+"/borrowed-books", nil))

	// THEN: The held book is there and overdue
	require.Len(t, held, 1)
	assert.Equal(t, dune.ID, held[0].Book.ID)
	assert.True(t, held[0].Overdue)

	assertError(t, s.do(t, http.MethodGet, "/api/members/99/borrowed-books", nil), http.StatusNotFound, lending.CodeNotFound)

	history := decode[[]LedgerEntryDTO](t, s.do(t, http.MethodGet, "/api/members/"+itoa(paul.ID)+"/history", nil))
	assert.Len(t, history, 1)
}

// =============================================================================
// CATALOG AND DIRECTORY
// =============================================================================

func TestListBooks_FollowsCursor(t *testing.T) {
	// GIVEN: 25 books
	s := newTestServer(t)
	for i := 0; i < 25; i++ {
		s.createBook(t, "Book", "Author")
	}

	// WHEN: Paging through 10 at a time
	var seen []int64
	cursor := ""
	pages := 0
	for {
		rec := s.do(t, http.MethodGet, "/api/books?page_size=10&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decode[BookListResponse](t, rec)
		pages++
		for _, b := range page.Items {
			seen = append(seen, b.ID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}

	// THEN: Every book is seen exactly once, in id order
	assert.Equal(t, 3, pages)
	require.Len(t, seen, 25)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestListBooks_BadParameters(t *testing.T) {
	s := newTestServer(t)

	assertError(t, s.do(t, http.MethodGet, "/api/books?cursor=not-a-cursor!", nil), http.StatusBadRequest, lending.CodeInvalidArgument)
	assertError(t, s.do(t, http.MethodGet, "/api/books?cursor="+encodeCursor(memberCursor, 3), nil), http.StatusBadRequest, lending.CodeInvalidArgument)
	assertError(t, s.do(t, http.MethodGet, "/api/books?filter=lost", nil), http.StatusBadRequest, lending.CodeInvalidArgument)
	assertError(t, s.do(t, http.MethodGet, "/api/books?page_size=ten", nil), http.StatusBadRequest, lending.CodeInvalidArgument)
}

func TestBooks_FilterSearchRecentUpdate(t *testing.T) {
	s := newTestServer(t)
	dune := s.createBook(t, "Dune", "Frank Herbert")
	s.createBook(t, "Hyperion", "Dan Simmons")
	paul := s.createMember(t, "Paul", "paul@arrakis.org")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/books/"+itoa(dune.ID)+"/borrow", LendingRequest{MemberID: paul.ID}).Code)

	borrowed := decode[BookListResponse](t, s.do(t, http.MethodGet, "/api/books?filter=borrowed", nil))
	require.Len(t, borrowed.Items, 1)
	assert.Equal(t, dune.ID, borrowed.Items[0].ID)

	found := decode[[]BookDTO](t, s.do(t, http.MethodGet, "/api/books/search?q=simmons", nil))
	require.Len(t, found, 1)
	assert.Equal(t, "Hyperion", found[0].Title)

	recent := decode[[]BookDTO](t, s.do(t, http.MethodGet, "/api/books/recent?limit=1", nil))
	assert.Len(t, recent, 1)

	rec := s.do(t, http.MethodPut, "/api/books/"+itoa(dune.ID), BookRequest{Title: "  Dune Messiah ", Author: "Frank Herbert"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[BookDTO](t, rec)
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.True(t, updated.IsBorrowed, "editing metadata keeps availability")

	assertError(t, s.do(t, http.MethodPost, "/api/books", BookRequest{Title: " ", Author: "x"}), http.StatusBadRequest, lending.CodeInvalidArgument)
	assertError(t, s.do(t, http.MethodGet, "/api/books/404", nil), http.StatusNotFound, lending.CodeNotFound)
}

func TestBooks_CurrentMemberName(t *testing.T) {
	// GIVEN: Dune borrowed by Paul, Hyperion on the shelf
	s := newTestServer(t)
	dune := s.createBook(t, "Dune", "Frank Herbert")
	s.createBook(t, "Hyperion", "Dan Simmons")
	paul := s.createMember(t, "Paul Atreides", "paul@arrakis.org")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/books/"+itoa(dune.ID)+"/borrow", LendingRequest{MemberID: paul.ID}).Code)

	holders := func(items []BookDTO) map[string]*string {
		out := make(map[string]*string, len(items))
		for _, b := range items {
			out[b.Title] = b.CurrentMemberName
		}
		return out
	}
	name := "Paul Atreides"
	want := map[string]*string{"Dune": &name, "Hyperion": nil}

	// WHEN/THEN: list, recent, search and get all carry the holder's name
	list := decode[BookListResponse](t, s.do(t, http.MethodGet, "/api/books", nil))
	assert.Equal(t, want, holders(list.Items))

	recent := decode[[]BookDTO](t, s.do(t, http.MethodGet, "/api/books/recent", nil))
	assert.Equal(t, want, holders(recent))

	found := decode[[]BookDTO](t, s.do(t, http.MethodGet, "/api/books/search?q=dune", nil))
	assert.Equal(t, map[string]*string{"Dune": &name}, holders(found))

	got := decode[BookDTO](t, s.do(t, http.MethodGet, "/api/books/"+itoa(dune.ID), nil))
	require.NotNil(t, got.CurrentMemberName)
	assert.Equal(t, name, *got.CurrentMemberName)

	// AND: available books serialize the field as null
	raw := s.do(t, http.MethodGet, "/api/books?filter=available", nil).Body.String()
	assert.Contains(t, raw, `"current_member_name":null`)
}

func TestBooks_SearchTreatsWildcardsLiterally(t *testing.T) {
	s := newTestServer(t)
	s.createBook(t, "100% Pure", "Ann Lee")
	s.createBook(t, "1000 Nights", "Bo Ray")
	s.createBook(t, "Über Ümlaut", "Çelik Öz")

	search := func(q string) []string {
		rec := s.do(t, http.MethodGet, "/api/books/search?q="+url.QueryEscape(q), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var titles []string
		for _, b := range decode[[]BookDTO](t, rec) {
			titles = append(titles, b.Title)
		}
		return titles
	}

	assert.Equal(t, []string{"100% Pure"}, search("100%"))
	assert.Empty(t, search("_"))
	assert.Equal(t, []string{"Über Ümlaut"}, search("ÜMLAUT"))
}

func TestMembers_EmailUniqueness(t *testing.T) {
	// GIVEN: A member
	s := newTestServer(t)
	paul := s.createMember(t, "Paul", "Paul@Arrakis.org")
	assert.Equal(t, "paul@arrakis.org", paul.Email)

	// WHEN/THEN: Another member cannot take the address in any case
	assertError(t, s.do(t, http.MethodPost, "/api/members", MemberRequest{Name: "Imposter", Email: "PAUL@arrakis.org"}),
		http.StatusConflict, lending.CodeAlreadyExists)

	// AND: The owner can keep it on update
	rec := s.do(t, http.MethodPut, "/api/members/"+itoa(paul.ID), MemberRequest{Name: "Paul Atreides", Email: "paul@arrakis.org"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	check := decode[EmailAvailabilityResponse](t, s.do(t, http.MethodGet, "/api/members/check-email?email=PAUL@arrakis.org", nil))
	assert.False(t, check.Available)
	assert.Equal(t, "paul@arrakis.org", check.Email)

	own := decode[EmailAvailabilityResponse](t, s.do(t, http.MethodGet, "/api/members/check-email?email=paul@arrakis.org&exclude_id="+itoa(paul.ID), nil))
	assert.True(t, own.Available)

	assertError(t, s.do(t, http.MethodGet, "/api/members/check-email?email=x@y.io&exclude_id=me", nil), http.StatusBadRequest, lending.CodeInvalidArgument)
	assertError(t, s.do(t, http.MethodPost, "/api/members", MemberRequest{Name: "Bad", Email: "not-an-email"}), http.StatusBadRequest, lending.CodeInvalidArgument)
}

func TestMembers_ListAndSearch(t *testing.T) {
	s := newTestServer(t)
	for _, email := range []string{"a@arrakis.org", "b@arrakis.org", "c@caladan.org"} {
		s.createMember(t, "Member "+email[:1], email)
	}

	first := decode[MemberListResponse](t, s.do(t, http.MethodGet, "/api/members?page_size=2", nil))
	require.Len(t, first.Items, 2)
	require.True(t, first.HasMore)

	second := decode[MemberListResponse](t, s.do(t, http.MethodGet, "/api/members?page_size=2&cursor="+first.NextCursor, nil))
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "c@caladan.org", second.Items[0].Email)

	found := decode[[]MemberDTO](t, s.do(t, http.MethodGet, "/api/members/search?q=arrakis", nil))
	assert.Len(t, found, 2)
}

// =============================================================================
// ADMIN, HEALTH, METRICS
// =============================================================================

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.createBook(t, "Dune", "Herbert")

	assertError(t, s.do(t, http.MethodGet, "/api/admin/audit", nil), http.StatusNotFound, lending.CodeNotFound)

	rec := s.do(t, http.MethodPost, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditReportDTO](t, rec)
	assert.Equal(t, 1, report.Checked)
	assert.True(t, report.Consistent)
	assert.Empty(t, report.Mismatches)

	last := decode[AuditReportDTO](t, s.do(t, http.MethodGet, "/api/admin/audit", nil))
	assert.Equal(t, report.Checked, last.Checked)

	s.handler.Auditor = nil
	assertError(t, s.do(t, http.MethodPost, "/api/admin/audit", nil), http.StatusPreconditionFailed, lending.CodeFailedPrecondition)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	book := s.createBook(t, "Dune", "Herbert")
	paul := s.createMember(t, "Paul", "paul@arrakis.org")
	s.do(t, http.MethodPost, "/api/books/"+itoa(book.ID)+"/borrow", LendingRequest{MemberID: paul.ID})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "library_http_requests_total")
	assert.Contains(t, body, `route="/api/books/{id}/borrow"`)
	assert.Contains(t, body, `library_lending_transitions_total{action="BORROW",outcome="OK"}`)
}

func TestRecoverer_ReturnsInternalError(t *testing.T) {
	s := newTestServer(t)
	s.router.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	rec := s.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCursorCodec(t *testing.T) {
	token := encodeCursor(bookCursor, 42)
	assert.False(t, strings.ContainsAny(token, "+/="), "cursor must be URL safe")

	after, err := decodeCursor(bookCursor, token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), after)

	after, err = decodeCursor(bookCursor, "")
	require.NoError(t, err)
	assert.Zero(t, after)

	_, err = decodeCursor(memberCursor, token)
	assert.ErrorIs(t, err, lending.ErrInvalidArgument)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(lending.CodeNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(lending.CodeInvalidArgument))
	assert.Equal(t, http.StatusConflict, statusFor(lending.CodeAlreadyExists))
	assert.Equal(t, http.StatusPreconditionFailed, statusFor(lending.CodeFailedPrecondition))
	assert.Equal(t, http.StatusForbidden, statusFor(lending.CodePermissionDenied))
	assert.Equal(t, http.StatusInternalServerError, statusFor(lending.CodeInternal))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
