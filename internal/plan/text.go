package plan

import (
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// sanitize keeps only ASCII. With transliterate set, non-ASCII letters are
// first replaced by their closest ASCII spelling instead of being dropped.
func sanitize(s string, transliterate bool) string {
	if transliterate {
		s = unidecode.Unidecode(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
