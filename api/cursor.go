package api

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/librarylend/ledger/lending"
)

// Cursors are opaque to clients. The token wraps the id of the last item on
// the previous page together with the listing it belongs to, so a member
// cursor cannot be replayed against the book listing.
const cursorVersion = "v1"

func encodeCursor(kind string, after int64) string {
	raw := cursorVersion + ":" + kind + ":" + strconv.FormatInt(after, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor returns 0 for an empty token.
func decodeCursor(kind, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, lending.InvalidArgument("invalid cursor")
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 || parts[0] != cursorVersion || parts[1] != kind {
		return 0, lending.InvalidArgument("invalid cursor")
	}
	after, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || after < 0 {
		return 0, lending.InvalidArgument("invalid cursor")
	}
	return after, nil
}
