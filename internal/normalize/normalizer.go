package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"conceptmap/internal/models"
	"conceptmap/internal/util"

	"github.com/kljensen/snowball"
	"golang.org/x/text/unicode/norm"
)

// DefaultQualifiers are uninformative phrases stripped during normalization.
// Parenthesized entries are removed as substrings; bare entries are removed
// as whole tokens after punctuation stripping.
var DefaultQualifiers = []string{
	"(disorder)",
	"(event)",
	"(finding)",
	"(procedure)",
	"not otherwise specified",
	"not elsewhere classified",
	"unspecified",
	"nos",
	"nec",
}

var (
	possessive  = regexp.MustCompile(`(\w)'s\b`)
	punctuation = regexp.MustCompile(`[^\w\s]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Normalizer canonicalizes raw term text for high-precision matching. It is a
// pure function of its input and the configured qualifier list.
type Normalizer struct {
	phraseQualifiers []string
	tokenQualifiers  map[string]struct{}
}

func New(qualifiers []string) *Normalizer {
	if len(qualifiers) == 0 {
		qualifiers = DefaultQualifiers
	}
	n := &Normalizer{tokenQualifiers: map[string]struct{}{}}
	for _, q := range qualifiers {
		q = strings.ToLower(strings.TrimSpace(q))
		if q == "" {
			continue
		}
		if strings.ContainsAny(q, "() ") {
			n.phraseQualifiers = append(n.phraseQualifiers, q)
		} else {
			n.tokenQualifiers[q] = struct{}{}
		}
	}
	return n
}

// FromSpec builds a Normalizer from a comma-separated qualifier override,
// falling back to DefaultQualifiers when the override is empty.
func FromSpec(spec string) *Normalizer {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return New(nil)
	}
	return New(strings.Split(spec, ","))
}

// Normalize cleans a raw term: unicode NFKC, lowercase, possessive removal,
// qualifier stripping, punctuation to spaces, tokenization and stemming.
// An empty input yields an empty NormalizedTerm, not an error; downstream
// stages treat that as "no match possible". Reapplying Normalize to its own
// output is a no-op.
func (n *Normalizer) Normalize(text string) (models.NormalizedTerm, error) {
	if !utf8.ValidString(text) {
		return models.NormalizedTerm{}, fmt.Errorf("%w: invalid utf-8", util.ErrInvalidInput)
	}

	s := norm.NFKC.String(text)
	s = strings.ToLower(strings.TrimSpace(s))
	s = possessive.ReplaceAllString(s, "$1")
	for _, q := range n.phraseQualifiers {
		s = strings.ReplaceAll(s, q, " ")
	}
	s = punctuation.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")

	tokens := make([]string, 0, 8)
	for _, tok := range strings.Fields(s) {
		if _, drop := n.tokenQualifiers[tok]; drop {
			continue
		}
		tokens = append(tokens, stemToken(tok))
	}

	return models.NormalizedTerm{
		Original:   text,
		Normalized: strings.Join(tokens, " "),
		Tokens:     tokens,
	}, nil
}

// stemToken reduces an alphabetic token to its snowball stem. Tokens with
// digits (dosages, stage numbers) are kept verbatim.
func stemToken(tok string) string {
	for _, r := range tok {
		if unicode.IsDigit(r) {
			return tok
		}
	}
	stemmed, err := snowball.Stem(tok, "english", false)
	if err != nil || stemmed == "" {
		return tok
	}
	return stemmed
}
