/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the lending model from the external API contract: ids become plain
  numbers, times become RFC 3339 strings and cursors become opaque tokens.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: List wrappers and other composite responses

TYPES:
  Books:    BookDTO, BookRequest, BookListResponse
  Members:  MemberDTO, MemberRequest, MemberListResponse, EmailAvailabilityResponse
  Lending:  LendingRequest, LedgerEntryDTO, BorrowedBookDTO
  Audit:    AuditReportDTO, MismatchDTO
  Errors:   ErrorResponse

VALIDATION:
  Validation is done by the lending package, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - cursor.go: Opaque cursor encoding
*/
package api

import (
	"time"

	"github.com/librarylend/ledger/lending"
)

// =============================================================================
// BOOKS
// =============================================================================

// BookDTO represents a book in API responses.
type BookDTO struct {
	ID                int64   `json:"id"`
	Title             string  `json:"title"`
	Author            string  `json:"author"`
	IsBorrowed        bool    `json:"is_borrowed"`
	CurrentMemberID   *int64  `json:"current_member_id"`
	CurrentMemberName *string `json:"current_member_name"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// BookRequest is the body of create and update calls.
type BookRequest struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

// BookListResponse is one page of books.
type BookListResponse struct {
	Items      []BookDTO `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// =============================================================================
// MEMBERS
// =============================================================================

// MemberDTO represents a member in API responses.
type MemberDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MemberRequest is the body of create and update calls.
type MemberRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MemberListResponse is one page of members.
type MemberListResponse struct {
	Items      []MemberDTO `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

type EmailAvailabilityResponse struct {
	Email     string `json:"email"`
	Available bool   `json:"available"`
}

// =============================================================================
// LENDING
// =============================================================================

// LendingRequest is the body of borrow and return calls.
type LendingRequest struct {
	MemberID int64 `json:"member_id"`
}

// LedgerEntryDTO represents one immutable ledger entry.
type LedgerEntryDTO struct {
	ID            int64   `json:"id"`
	BookID        int64   `json:"book_id"`
	MemberID      int64   `json:"member_id"`
	ActionType    string  `json:"action_type"`
	LogDate       string  `json:"log_date"`
	DueDate       *string `json:"due_date_snapshot,omitempty"`
	ClosesEntryID *int64  `json:"closes_entry_id,omitempty"`
}

// BorrowedBookDTO is a held book with the borrow that put it there.
type BorrowedBookDTO struct {
	Book    BookDTO        `json:"book"`
	Entry   LedgerEntryDTO `json:"entry"`
	Overdue bool           `json:"overdue"`
}

// =============================================================================
// AUDIT
// =============================================================================

type MismatchDTO struct {
	BookID      int64  `json:"book_id"`
	Detail      string `json:"detail"`
	OpenEntryID *int64 `json:"open_entry_id,omitempty"`
}

type AuditReportDTO struct {
	StartedAt  string        `json:"started_at"`
	FinishedAt string        `json:"finished_at"`
	Checked    int           `json:"checked"`
	Failures   int           `json:"failures"`
	Consistent bool          `json:"consistent"`
	Mismatches []MismatchDTO `json:"mismatches"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toBookDTO(b lending.Book) BookDTO {
	dto := BookDTO{
		ID:         int64(b.ID),
		Title:      b.Title,
		Author:     b.Author,
		IsBorrowed: b.IsBorrowed,
		CreatedAt:  formatTime(b.CreatedAt),
		UpdatedAt:  formatTime(b.UpdatedAt),
	}
	if b.CurrentMember != nil {
		id := int64(*b.CurrentMember)
		dto.CurrentMemberID = &id
	}
	if b.CurrentMemberName != "" {
		name := b.CurrentMemberName
		dto.CurrentMemberName = &name
	}
	return dto
}

func toBookDTOs(books []lending.Book) []BookDTO {
	dtos := make([]BookDTO, len(books))
	for i, b := range books {
		dtos[i] = toBookDTO(b)
	}
	return dtos
}

func toMemberDTO(m lending.Member) MemberDTO {
	return MemberDTO{
		ID:        int64(m.ID),
		Name:      m.Name,
		Email:     m.Email,
		CreatedAt: formatTime(m.CreatedAt),
		UpdatedAt: formatTime(m.UpdatedAt),
	}
}

func toMemberDTOs(members []lending.Member) []MemberDTO {
	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	return dtos
}

func toEntryDTO(e lending.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:         int64(e.ID),
		BookID:     int64(e.BookID),
		MemberID:   int64(e.MemberID),
		ActionType: string(e.Action),
		LogDate:    formatTime(e.LogDate),
	}
	if e.DueDate != nil {
		due := formatTime(*e.DueDate)
		dto.DueDate = &due
	}
	if e.ClosesEntry != nil {
		closes := int64(*e.ClosesEntry)
		dto.ClosesEntryID = &closes
	}
	return dto
}

func toEntryDTOs(entries []lending.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toAuditReportDTO(r lending.Report) AuditReportDTO {
	dto := AuditReportDTO{
		StartedAt:  formatTime(r.StartedAt),
		FinishedAt: formatTime(r.FinishedAt),
		Checked:    r.Checked,
		Failures:   r.Failures,
		Consistent: r.Consistent(),
		Mismatches: make([]MismatchDTO, len(r.Mismatches)),
	}
	for i, m := range r.Mismatches {
		dto.Mismatches[i] = MismatchDTO{BookID: int64(m.BookID), Detail: m.Error()}
		if m.OpenEntry != nil {
			id := int64(m.OpenEntry.ID)
			dto.Mismatches[i].OpenEntryID = &id
		}
	}
	return dto
}
