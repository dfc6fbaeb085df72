// Package ftsquery turns free-text user queries into safe full-text search
// expressions. Only runs of letters and digits survive tokenization, so no
// engine-reserved syntax can reach the search backend.
package ftsquery

import (
	"strings"
	"unicode"
)

// Term is one cleaned search token.
type Term struct {
	Text   string
	Prefix bool
}

// Query is the tokenized form of a user query.
type Query struct {
	Terms []Term
}

var reserved = map[string]struct{}{
	"and":  {},
	"or":   {},
	"not":  {},
	"near": {},
}

// Parse tokenizes raw into lowercase terms. Boolean keywords and
// single-character terms are dropped; terms longer than two runes are
// marked for prefix matching. Duplicate terms are collapsed.
func Parse(raw string) Query {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	terms := make([]Term, 0, len(fields))
	for _, f := range fields {
		word := strings.ToLower(f)
		n := len([]rune(word))
		if n < 2 {
			continue
		}
		if _, ok := reserved[word]; ok {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		terms = append(terms, Term{Text: word, Prefix: n > 2})
	}
	return Query{Terms: terms}
}

// Empty reports whether nothing searchable remained after cleaning.
func (q Query) Empty() bool {
	return len(q.Terms) == 0
}

// FTS5 renders the query as an SQLite FTS5 MATCH expression, e.g.
// `"alice"* OR "my"`. Terms are ORed so partial matches still rank.
func (q Query) FTS5() string {
	parts := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		p := `"` + t.Text + `"`
		if t.Prefix {
			p += "*"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " OR ")
}

// TSQuery renders the query for PostgreSQL to_tsquery, e.g. `alice:* | my`.
func (q Query) TSQuery() string {
	parts := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		p := t.Text
		if t.Prefix {
			p += ":*"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " | ")
}
