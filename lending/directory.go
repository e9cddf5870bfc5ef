package lending

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizeEmail is the canonical form used for storage and for every
// uniqueness comparison: trimmed and Unicode case-folded.
func NormalizeEmail(email string) string {
	return Fold(strings.TrimSpace(email))
}

// Directory owns member identity and email uniqueness.
//
// Create and Update on the same normalized email are serialized through a
// keyed lock, so two concurrent callers can never both observe the address
// as free. The store's unique constraint backs this up across processes.
type Directory struct {
	store  MemberStore
	emails *KeyedMutex[string]
	now    func() time.Time
}

func NewDirectory(store MemberStore, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{store: store, emails: NewKeyedMutex[string](), now: now}
}

func validateMember(name, email string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", InvalidArgument("name is required and cannot be empty")
	}
	email = NormalizeEmail(email)
	if email == "" {
		return "", "", InvalidArgument("email is required and cannot be empty")
	}
	if !emailPattern.MatchString(email) {
		return "", "", InvalidArgument("email %q is not a valid address", email)
	}
	return name, email, nil
}

func (d *Directory) Create(ctx context.Context, name, email string) (Member, error) {
	name, email, err := validateMember(name, email)
	if err != nil {
		return Member{}, err
	}

	unlock, err := d.emails.Lock(ctx, email)
	if err != nil {
		return Member{}, err
	}
	defer unlock()

	if _, err := d.store.FindMemberByEmail(ctx, email); err == nil {
		return Member{}, AlreadyExists("email %s is already in use", email)
	} else if !errors.Is(err, ErrNotFound) {
		return Member{}, storageFault("find member by email", err)
	}

	now := d.now().UTC()
	m, err := d.store.CreateMember(ctx, Member{Name: name, Email: email, CreatedAt: now, UpdatedAt: now})
	if errors.Is(err, ErrAlreadyExists) {
		return Member{}, AlreadyExists("email %s is already in use", email)
	}
	if err != nil {
		return Member{}, storageFault("create member", err)
	}
	return m, nil
}

// Update rewrites name and email. Keeping one's own email never collides.
func (d *Directory) Update(ctx context.Context, id MemberID, name, email string) (Member, error) {
	name, email, err := validateMember(name, email)
	if err != nil {
		return Member{}, err
	}

	unlock, err := d.emails.Lock(ctx, email)
	if err != nil {
		return Member{}, err
	}
	defer unlock()

	current, err := d.store.GetMember(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Member{}, NotFound("member %d not found", id)
	}
	if err != nil {
		return Member{}, storageFault("get member", err)
	}

	if current.Email != email {
		free, err := d.emailFree(ctx, email, &id)
		if err != nil {
			return Member{}, err
		}
		if !free {
			return Member{}, AlreadyExists("email %s is already in use", email)
		}
	}

	current.Name, current.Email, current.UpdatedAt = name, email, d.now().UTC()
	m, err := d.store.UpdateMember(ctx, current)
	switch {
	case errors.Is(err, ErrNotFound):
		return Member{}, NotFound("member %d not found", id)
	case errors.Is(err, ErrAlreadyExists):
		return Member{}, AlreadyExists("email %s is already in use", email)
	case err != nil:
		return Member{}, storageFault("update member", err)
	}
	return m, nil
}

// CheckEmailAvailable applies the same normalization and comparison as
// Create and Update. exclude lets a member probe their own address.
// A malformed address is reported as unavailable.
func (d *Directory) CheckEmailAvailable(ctx context.Context, email string, exclude *MemberID) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" || !emailPattern.MatchString(email) {
		return false, nil
	}
	return d.emailFree(ctx, email, exclude)
}

func (d *Directory) emailFree(ctx context.Context, email string, exclude *MemberID) (bool, error) {
	owner, err := d.store.FindMemberByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, storageFault("find member by email", err)
	}
	return exclude != nil && owner.ID == *exclude, nil
}

func (d *Directory) Get(ctx context.Context, id MemberID) (Member, error) {
	m, err := d.store.GetMember(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Member{}, NotFound("member %d not found", id)
	}
	if err != nil {
		return Member{}, storageFault("get member", err)
	}
	return m, nil
}

// List returns one page ordered by id. Search matches name or email.
func (d *Directory) List(ctx context.Context, search string, after MemberID, pageSize int) (MemberPage, error) {
	if after < 0 {
		return MemberPage{}, InvalidArgument("cursor must not be negative")
	}
	limit := clampPageSize(pageSize)

	members, err := d.store.ListMembers(ctx, MemberQuery{
		Search: strings.TrimSpace(search),
		After:  after,
		Limit:  limit + 1,
	})
	if err != nil {
		return MemberPage{}, storageFault("list members", err)
	}

	page := MemberPage{Members: members}
	if len(members) > limit {
		page.Members = members[:limit]
		page.HasMore = true
		page.NextCursor = page.Members[limit-1].ID
	}
	return page, nil
}

func (d *Directory) Search(ctx context.Context, query string) ([]Member, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Member{}, nil
	}
	members, err := d.store.ListMembers(ctx, MemberQuery{Search: query, Limit: SearchResultLimit})
	if err != nil {
		return nil, storageFault("search members", err)
	}
	return members, nil
}
