// Package policy holds the content rules applied before user text is
// persisted to long-term memory.
package policy

import (
	"regexp"
	"strings"
)

// Kind names a class of sensitive value.
type Kind string

const (
	KindEmail  Kind = "EMAIL"
	KindSecret Kind = "SECRET"
	KindSSN    Kind = "SSN"
	KindCard   Kind = "CARD"
	KindPhone  Kind = "PHONE"
)

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
	// accept filters pattern matches; nil accepts every match.
	accept func(match string) bool
}

// Redactor masks sensitive values with "[REDACTED_<KIND>]" markers. Rules
// run in order, so broader patterns (phone) never see text that a stricter
// one (card, ssn) already replaced.
type Redactor struct {
	rules []rule
}

func NewRedactor() *Redactor {
	return &Redactor{rules: []rule{
		{kind: KindEmail, pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{kind: KindSecret, pattern: regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)},
		{kind: KindSSN, pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{kind: KindCard, pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), accept: cardLike},
		{kind: KindPhone, pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), accept: phoneLike},
	}}
}

// Redact returns the masked text and the kinds that were found, in rule
// order and without repeats.
func (r *Redactor) Redact(input string) (string, []Kind) {
	out := input
	var found []Kind
	for _, ru := range r.rules {
		hit := false
		out = ru.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if ru.accept != nil && !ru.accept(m) {
				return m
			}
			hit = true
			return "[REDACTED_" + string(ru.kind) + "]"
		})
		if hit {
			found = append(found, ru.kind)
		}
	}
	return out, found
}

var defaultRedactor = NewRedactor()

// RedactPII masks common high-risk PII with the default rules.
func RedactPII(input string) (redacted string, changed bool) {
	out, kinds := defaultRedactor.Redact(input)
	return out, len(kinds) > 0
}

// dateShape matches calendar dates and bracketed years, which share the
// digit-and-dash alphabet of phone numbers.
var dateShape = regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b|\b\d{1,2}-\d{1,2}-\d{4}\b|\(\d{4}\)`)

const minPhoneDigits = 10

func phoneLike(s string) bool {
	return len(digitsOf(s)) >= minPhoneDigits && !dateShape.MatchString(s)
}

func cardLike(s string) bool {
	return luhnValid(s) && !dateShape.MatchString(s)
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func luhnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
