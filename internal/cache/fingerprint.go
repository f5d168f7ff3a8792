package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/loopsight/insight/internal/model"
)

// Fingerprint computes the deterministic cache key for an analysis request.
// Identical (type, normalized texts, options) always hash to the same key,
// so repeated requests are cache hits regardless of arrival order.
func Fingerprint(analysisType model.AnalysisType, responses []model.Response, opts model.Options) string {
	h := sha256.New()
	h.Write([]byte(analysisType))
	h.Write([]byte{0})
	for _, r := range responses {
		h.Write([]byte(NormalizeText(r.Text)))
		h.Write([]byte{0})
	}
	// Options marshal deterministically: encoding/json emits struct fields
	// in declaration order. Priority and retry knobs do not change the
	// analysis output, so they are excluded from the key.
	keyOpts := model.Options{
		Language:            opts.Language,
		AnonLevel:           opts.AnonLevel,
		CulturalContext:     opts.CulturalContext,
		CustomPrompt:        opts.CustomPrompt,
		K:                   opts.K,
		SimilarityThreshold: opts.SimilarityThreshold,
	}
	optsJSON, _ := json.Marshal(keyOpts)
	h.Write(optsJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText canonicalizes a response for fingerprinting: NFC unicode
// normalization, lowercasing, and whitespace collapsing.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
