package lending

import (
	"strings"

	"golang.org/x/text/cases"
)

// Fold is the case folding used for stored emails and for search keys.
// A cases.Caser carries state, so every call takes a fresh one.
func Fold(s string) string {
	return cases.Fold().String(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsPattern turns a search term into a LIKE pattern that matches the
// folded term anywhere in a folded key. The escape character is backslash,
// so SQL stores must add ESCAPE '\'.
func ContainsPattern(term string) string {
	return "%" + likeEscaper.Replace(Fold(term)) + "%"
}
