// Package anonymize detects and masks personally identifying fragments and
// groups responses so no released group maps back to fewer than k
// respondents.
package anonymize

import (
	"regexp"
	"strings"

	"github.com/loopsight/insight/internal/model"
)

// identifierKind classifies the kind of identifier found.
type identifierKind string

const (
	kindEmail      identifierKind = "email"
	kindPhone      identifierKind = "phone"
	kindNationalID identifierKind = "national_id"
	kindIPAddress  identifierKind = "ip_address"
)

// pattern pairs a compiled regex with its identifier kind and placeholder.
type pattern struct {
	re          *regexp.Regexp
	kind        identifierKind
	placeholder string
}

var patterns = []pattern{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), kindEmail, "[EMAIL]"},
	{regexp.MustCompile(`(\+?\d{1,3}[\-.\s]?)?\(?\d{2,4}\)?[\-.\s]?\d{3}[\-.\s]?\d{3,4}\b`), kindPhone, "[PHONE]"},
	{regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`), kindNationalID, "[ID]"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), kindIPAddress, "[IP]"},
}

// partialKeep is how many characters survive at each end of a partially
// masked match. Matches shorter than 2*partialKeep+2 are fully masked.
const partialKeep = 2

// Mask replaces recognizable identifiers in text according to the level.
// AnonNone returns text unchanged. AnonFull replaces each match with a
// fixed placeholder; AnonPartial keeps the first and last two characters of
// longer matches for context.
func Mask(text string, level model.AnonLevel) string {
	if level == model.AnonNone || level == "" {
		return text
	}
	for _, p := range patterns {
		text = p.re.ReplaceAllStringFunc(text, func(match string) string {
			if level == model.AnonPartial && len(match) > 2*partialKeep+2 {
				return match[:partialKeep] +
					strings.Repeat("*", len(match)-2*partialKeep) +
					match[len(match)-partialKeep:]
			}
			return p.placeholder
		})
	}
	return text
}

// MaskResponses masks every response text at the given level, returning a
// new slice. Metadata is dropped entirely at AnonFull.
func MaskResponses(responses []model.Response, level model.AnonLevel) []model.Response {
	if level == model.AnonNone || level == "" {
		return responses
	}
	out := make([]model.Response, len(responses))
	for i, r := range responses {
		out[i] = model.Response{Text: Mask(r.Text, level)}
		if level != model.AnonFull {
			out[i].Metadata = r.Metadata
		}
	}
	return out
}

// residualIdentifiers reports the identifier kinds still detectable in text.
// Partially masked fragments no longer match the full patterns, so anything
// found here survived masking intact.
func residualIdentifiers(text string) []identifierKind {
	var kinds []identifierKind
	for _, p := range patterns {
		if p.re.MatchString(text) {
			kinds = append(kinds, p.kind)
		}
	}
	return kinds
}
