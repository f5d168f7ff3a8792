package model

import (
	"encoding/json"
	"time"
)

// AnalysisResult is the immutable output of a completed job.
type AnalysisResult struct {
	JobID      string       `json:"job_id"`
	Type       AnalysisType `json:"analysis_type"`
	Payload    Payload      `json:"payload"`
	TokensUsed int          `json:"tokens_used"`
	CostUSD    float64      `json:"cost_usd"`
	Provider   string       `json:"provider"`
	FromCache  bool         `json:"from_cache"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Payload holds the type-specific analysis output. Exactly one of the
// typed fields is set for the enumerated analysis types; Raw carries
// custom-analysis output verbatim.
type Payload struct {
	Themes    []Theme         `json:"themes,omitempty"`
	Sentiment *Sentiment      `json:"sentiment,omitempty"`
	Clusters  []Cluster       `json:"clusters,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Theme is a recurring topic identified across responses.
type Theme struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Count       int     `json:"count"`
	Confidence  float64 `json:"confidence,omitempty"`
	Examples    []int   `json:"examples,omitempty"` // response indices
}

// Sentiment is the aggregate breakdown plus one entry per input response,
// in input order.
type Sentiment struct {
	Positive float64          `json:"positive"`
	Negative float64          `json:"negative"`
	Neutral  float64          `json:"neutral"`
	Entries  []SentimentEntry `json:"entries"`
}

// SentimentEntry labels a single response.
type SentimentEntry struct {
	Index int     `json:"index"`
	Label string  `json:"label"` // positive | negative | neutral
	Score float64 `json:"score"`
}

// Cluster groups semantically related responses.
type Cluster struct {
	Label   string `json:"label"`
	Members []int  `json:"members"` // response indices
	Summary string `json:"summary,omitempty"`
}

// Recalculate recomputes the aggregate breakdown from the entries.
func (s *Sentiment) Recalculate() {
	if len(s.Entries) == 0 {
		return
	}
	var pos, neg, neu int
	for _, e := range s.Entries {
		switch e.Label {
		case "positive":
			pos++
		case "negative":
			neg++
		default:
			neu++
		}
	}
	total := float64(len(s.Entries))
	s.Positive = float64(pos) / total
	s.Negative = float64(neg) / total
	s.Neutral = float64(neu) / total
}

// Merge appends the typed content of other into p, preserving the callers'
// input order. Used by the batch coordinator when stitching sub-batch
// payloads back together.
func (p *Payload) Merge(other Payload) {
	p.Themes = append(p.Themes, other.Themes...)
	p.Clusters = append(p.Clusters, other.Clusters...)
	if other.Sentiment != nil {
		if p.Sentiment == nil {
			p.Sentiment = &Sentiment{}
		}
		p.Sentiment.Entries = append(p.Sentiment.Entries, other.Sentiment.Entries...)
	}
	if len(other.Raw) > 0 && len(p.Raw) == 0 {
		p.Raw = other.Raw
	}
}
