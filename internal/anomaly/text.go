package anomaly

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/spaolacci/murmur3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)

// Tokenize splits free-form text into lower-case tokens with diacritics
// folded away, so "Café!" and "cafe" produce the same token.
func Tokenize(text string) []string {
	// transformers are stateful, build one per call
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	bare := strings.ToLower(nonTokenChars.ReplaceAllString(text, " "))
	folded, _, err := transform.String(fold, bare)
	if err != nil {
		log.Warn().Err(err).Msg("unicode normalization error")
		folded = bare
	}
	return strings.Fields(folded)
}

// Fingerprint is a stable hash of the normalized token stream. Texts that
// differ only in case, punctuation or accents share a fingerprint.
func Fingerprint(text string) string {
	val := murmur3.Sum64([]byte(strings.Join(Tokenize(text), " ")))
	return fmt.Sprintf("%016x", val)
}

// Similarity is the shared-token (Jaccard) ratio of two texts in [0,1].
// Two texts without tokens are considered identical.
func Similarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func tokenSet(text string) map[string]struct{} {
	toks := Tokenize(text)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}
