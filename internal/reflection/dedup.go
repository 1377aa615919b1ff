package reflection

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// DefaultSimilarity is the token Jaccard score at or above which two lessons
// are the same lesson.
const DefaultSimilarity = 0.85

func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func hashNormalized(text string) string {
	h := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(h[:])
}

func tokenSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// lessonIndex answers whether a lesson text is already known for one agent.
type lessonIndex struct {
	similarity float64
	hashes     map[string]bool
	tokens     []map[string]bool
}

func newLessonIndex(similarity float64, known []string) *lessonIndex {
	x := &lessonIndex{similarity: similarity, hashes: make(map[string]bool)}
	for _, text := range known {
		x.add(text)
	}
	return x
}

func (x *lessonIndex) add(text string) {
	x.hashes[hashNormalized(text)] = true
	x.tokens = append(x.tokens, tokenSet(text))
}

func (x *lessonIndex) contains(text string) bool {
	if x.hashes[hashNormalized(text)] {
		return true
	}
	candidate := tokenSet(text)
	for _, known := range x.tokens {
		if jaccard(candidate, known) >= x.similarity {
			return true
		}
	}
	return false
}
