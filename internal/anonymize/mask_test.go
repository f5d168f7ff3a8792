package anonymize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsight/insight/internal/model"
)

func TestMask_Full(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"email", "write to jane.doe@example.com please", "write to [EMAIL] please"},
		{"ip", "logged in from 192.168.1.100 yesterday", "logged in from [IP] yesterday"},
		{"national id", "my id is 123-45-6789 thanks", "my id is [ID] thanks"},
		{"clean text", "the checkout flow was confusing", "the checkout flow was confusing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.in, model.AnonFull))
		})
	}
}

func TestMask_Phone(t *testing.T) {
	t.Parallel()

	out := Mask("call me at 555-123-4567 anytime", model.AnonFull)
	assert.NotContains(t, out, "555-123-4567")
	assert.Contains(t, out, "[PHONE]")
}

func TestMask_None(t *testing.T) {
	t.Parallel()

	in := "reach me at jane@example.com"
	assert.Equal(t, in, Mask(in, model.AnonNone))
	assert.Equal(t, in, Mask(in, ""))
}

func TestMask_PartialKeepsEdges(t *testing.T) {
	t.Parallel()

	out := Mask("contact jane.doe@example.com now", model.AnonPartial)
	assert.NotContains(t, out, "jane.doe@example.com")
	assert.Contains(t, out, "ja")
	assert.Contains(t, out, "om")
	assert.Contains(t, out, "*")
}

func TestMaskResponses_FullDropsMetadata(t *testing.T) {
	t.Parallel()

	in := []model.Response{{
		Text:     "email me at a@b.co",
		Metadata: map[string]string{"department": "sales"},
	}}

	full := MaskResponses(in, model.AnonFull)
	require.Len(t, full, 1)
	assert.Nil(t, full[0].Metadata)
	assert.NotContains(t, full[0].Text, "a@b.co")

	partial := MaskResponses(in, model.AnonPartial)
	assert.Equal(t, map[string]string{"department": "sales"}, partial[0].Metadata)

	// Input slice untouched.
	assert.Contains(t, in[0].Text, "a@b.co")
}

func TestVerifyCompliance(t *testing.T) {
	t.Parallel()

	clean := VerifyCompliance([]model.Response{{Text: "all fine here"}})
	assert.True(t, clean.Compliant)
	assert.Empty(t, clean.Issues)
	assert.NotEmpty(t, clean.Recommendations)

	dirty := VerifyCompliance([]model.Response{{Text: "mail bob@corp.io or 10.0.0.1"}})
	assert.False(t, dirty.Compliant)
	assert.Len(t, dirty.Issues, 2)
	for _, issue := range dirty.Issues {
		assert.Equal(t, model.SeverityCritical, issue.Severity)
	}
	assert.NotEmpty(t, dirty.Recommendations)
}

func TestProcess_EndToEnd(t *testing.T) {
	t.Parallel()

	responses := []model.Response{
		{Text: "support was very helpful, contact joe@corp.io"},
		{Text: "support was very helpful indeed"},
		{Text: "support team helpful and fast"},
	}

	masked, report := Process(responses, model.AnonFull, 3, 0.3)
	require.Len(t, masked, 3)
	assert.NotContains(t, masked[0].Text, "joe@corp.io")
	assert.True(t, report.Compliant)
	require.NotEmpty(t, report.Groups)

	total := 0
	for _, g := range report.Groups {
		total += len(g.Members)
	}
	assert.Equal(t, 3, total, "every response lands in exactly one group")
}

func TestResidualIdentifiers_PartialMaskedNoLongerMatch(t *testing.T) {
	t.Parallel()

	masked := Mask("jane.doe@example.com", model.AnonPartial)
	assert.Empty(t, residualIdentifiers(masked), "partially masked text yields no full-pattern match: %s", masked)
	assert.True(t, strings.Contains(masked, "*"))
}
