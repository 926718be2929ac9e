package versions

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Terms splits text into distinct search terms: NFC normalised, Unicode case
// folded, split on anything that is not a letter, digit or combining mark.
// The result is sorted.
func Terms(text string) []string {
	folded := folder.String(norm.NFC.String(text))
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
	})
	slices.Sort(words)
	return slices.Compact(words)
}
