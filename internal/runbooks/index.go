package runbooks

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {}, "are": {},
	"was": {}, "not": {}, "you": {}, "your": {}, "into": {}, "when": {}, "then": {}, "have": {},
	"has": {}, "but": {}, "all": {}, "any": {}, "can": {}, "will": {}, "its": {}, "our": {},
}

// Match is a ranked document.
type Match struct {
	Document Document
	Score    float64
}

// Index is an immutable TF-IDF index over runbook sections.
type Index struct {
	docs    []Document
	vectors []map[string]float64
	idf     map[string]float64
}

// NewIndex builds an index. Titles are weighted twice.
func NewIndex(docs []Document) *Index {
	idx := &Index{docs: docs, idf: make(map[string]float64)}
	df := make(map[string]int)
	counts := make([]map[string]int, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, tok := range Tokenize(doc.Title) {
			tf[tok] += 2
		}
		for _, tok := range Tokenize(doc.Content) {
			tf[tok]++
		}
		for tok := range tf {
			df[tok]++
		}
		counts[i] = tf
	}

	n := float64(len(docs))
	for tok, d := range df {
		idx.idf[tok] = math.Log(1+n/float64(d)) + 1
	}
	idx.vectors = make([]map[string]float64, len(docs))
	for i, tf := range counts {
		idx.vectors[i] = idx.weigh(tf)
	}
	return idx
}

// Len returns the number of indexed sections.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.docs)
}

// Documents returns the indexed sections.
func (idx *Index) Documents() []Document {
	if idx == nil {
		return nil
	}
	return idx.docs
}

// Search returns up to k sections whose cosine similarity with query is at least minScore.
func (idx *Index) Search(query string, k int, minScore float64) []Match {
	if idx.Len() == 0 || k <= 0 {
		return nil
	}
	tf := make(map[string]int)
	for _, tok := range Tokenize(query) {
		tf[tok]++
	}
	q := idx.weigh(tf)
	if len(q) == 0 {
		return nil
	}

	var matches []Match
	for i, vec := range idx.vectors {
		score := cosine(q, vec)
		if score > 0 && score >= minScore {
			matches = append(matches, Match{Document: idx.docs[i], Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func (idx *Index) weigh(tf map[string]int) map[string]float64 {
	vec := make(map[string]float64, len(tf))
	for tok, count := range tf {
		idf, ok := idx.idf[tok]
		if !ok {
			continue
		}
		vec[tok] = (1 + math.Log(float64(count))) * idf
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for tok, w := range a {
		dot += w * b[tok]
	}
	if dot == 0 {
		return 0
	}
	return dot / (norm2(a) * norm2(b))
}

func norm2(v map[string]float64) float64 {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}

// Tokenize lowercases, strips accents and splits text into alphanumeric terms. CamelCase
// identifiers such as KeyError also contribute their parts.
func Tokenize(text string) []string {
	var (
		out  []string
		word []rune
	)
	emit := func() {
		if len(word) == 0 {
			return
		}
		raw := string(word)
		word = word[:0]
		for _, tok := range append(splitCamel(raw), raw) {
			tok = strings.ToLower(tok)
			if len(tok) < 3 {
				continue
			}
			if _, stop := stopwords[tok]; stop {
				continue
			}
			out = append(out, tok)
		}
	}

	for _, r := range norm.NFD.String(text) {
		switch {
		case unicode.In(r, unicode.Mn):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			emit()
		}
	}
	emit()
	return dedupeAdjacent(out)
}

func splitCamel(word string) []string {
	var (
		parts []string
		start int
	)
	runes := []rune(word)
	for i := 1; i < len(runes); i++ {
		if unicode.IsUpper(runes[i]) && unicode.IsLower(runes[i-1]) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	if start == 0 {
		return nil
	}
	return append(parts, string(runes[start:]))
}

func dedupeAdjacent(tokens []string) []string {
	var out []string
	for _, tok := range tokens {
		if len(out) > 0 && out[len(out)-1] == tok {
			continue
		}
		out = append(out, tok)
	}
	return out
}
