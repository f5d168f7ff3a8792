package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentiment_Recalculate(t *testing.T) {
	t.Parallel()

	s := &Sentiment{Entries: []SentimentEntry{
		{Index: 0, Label: "positive"},
		{Index: 1, Label: "positive"},
		{Index: 2, Label: "negative"},
		{Index: 3, Label: "something else"},
	}}
	s.Recalculate()

	assert.InDelta(t, 0.5, s.Positive, 1e-9)
	assert.InDelta(t, 0.25, s.Negative, 1e-9)
	assert.InDelta(t, 0.25, s.Neutral, 1e-9, "unknown labels count as neutral")
}

func TestSentiment_RecalculateEmptyIsNoop(t *testing.T) {
	t.Parallel()

	s := &Sentiment{Positive: 0.7}
	s.Recalculate()
	assert.InDelta(t, 0.7, s.Positive, 1e-9)
}

func TestPayload_MergePreservesOrder(t *testing.T) {
	t.Parallel()

	var p Payload
	p.Merge(Payload{
		Themes:    []Theme{{Name: "pricing"}},
		Sentiment: &Sentiment{Entries: []SentimentEntry{{Index: 0, Label: "positive"}}},
	})
	p.Merge(Payload{
		Themes:    []Theme{{Name: "support"}},
		Clusters:  []Cluster{{Label: "bugs", Members: []int{3}}},
		Sentiment: &Sentiment{Entries: []SentimentEntry{{Index: 1, Label: "negative"}}},
	})

	assert.Equal(t, []string{"pricing", "support"}, []string{p.Themes[0].Name, p.Themes[1].Name})
	assert.Len(t, p.Clusters, 1)
	assert.Equal(t, 0, p.Sentiment.Entries[0].Index)
	assert.Equal(t, 1, p.Sentiment.Entries[1].Index)
}

func TestPayload_MergeKeepsFirstRaw(t *testing.T) {
	t.Parallel()

	var p Payload
	p.Merge(Payload{Raw: json.RawMessage(`{"a":1}`)})
	p.Merge(Payload{Raw: json.RawMessage(`{"b":2}`)})
	assert.JSONEq(t, `{"a":1}`, string(p.Raw))
}

func TestJobStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestAnalysisType_Valid(t *testing.T) {
	t.Parallel()

	for _, typ := range []AnalysisType{AnalysisThematic, AnalysisSentiment, AnalysisClusters, AnalysisCustom} {
		assert.True(t, typ.Valid(), string(typ))
	}
	assert.False(t, AnalysisType("").Valid())
	assert.False(t, AnalysisType("summary").Valid())
}
