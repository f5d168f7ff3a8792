package anonymize

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/loopsight/insight/internal/model"
)

// cluster is a working group of response indices with a token-frequency
// centroid.
type cluster struct {
	members []int
	tokens  map[string]int
}

// Group clusters responses by semantic similarity and merges undersized
// clusters until every emitted group has at least k members or only one
// cluster remains. Similarity is token-set Jaccard against the cluster
// centroid; undersized clusters merge into the nearest centroid, ties
// resolved toward the lower cluster index. Every forced merge and every
// unsatisfiable case is recorded as an issue.
func Group(responses []model.Response, k int, similarityThreshold float64) ([]model.AnonymityGroup, []model.AnonymizationIssue) {
	var issues []model.AnonymizationIssue
	if k < 1 {
		k = 1
	}
	if len(responses) == 0 {
		return nil, nil
	}
	if len(responses) < k {
		issues = append(issues, model.AnonymizationIssue{
			Severity: model.SeverityCritical,
			Description: fmt.Sprintf(
				"cannot satisfy k=%d: only %d responses available", k, len(responses)),
		})
	}

	// Greedy assignment: each response joins the first cluster whose
	// centroid it is similar enough to, otherwise starts a new one.
	var clusters []*cluster
	for i, r := range responses {
		toks := tokenize(r.Text)
		best := -1
		bestSim := 0.0
		for ci, c := range clusters {
			sim := jaccard(toks, c.tokens)
			if sim >= similarityThreshold && sim > bestSim {
				best = ci
				bestSim = sim
			}
		}
		if best >= 0 {
			clusters[best].add(i, toks)
		} else {
			clusters = append(clusters, newCluster(i, toks))
		}
	}

	// Merge clusters smaller than k into their nearest neighbor.
	for len(clusters) > 1 {
		small := -1
		for ci, c := range clusters {
			if len(c.members) < k && (small < 0 || len(c.members) < len(clusters[small].members)) {
				small = ci
			}
		}
		if small < 0 {
			break
		}

		nearest := -1
		bestSim := -1.0
		for ci, c := range clusters {
			if ci == small {
				continue
			}
			sim := jaccard(clusters[small].tokens, c.tokens)
			if sim > bestSim {
				nearest = ci
				bestSim = sim
			}
		}

		merged := clusters[nearest]
		for _, m := range clusters[small].members {
			merged.members = append(merged.members, m)
		}
		for tok, n := range clusters[small].tokens {
			merged.tokens[tok] += n
		}
		clusters = append(clusters[:small], clusters[small+1:]...)

		issues = append(issues, model.AnonymizationIssue{
			Severity: model.SeverityWarning,
			Description: fmt.Sprintf(
				"merged undersized cluster into nearest neighbor; resulting group size %d",
				len(merged.members)),
		})
	}

	groups := make([]model.AnonymityGroup, 0, len(clusters))
	for _, c := range clusters {
		if len(c.members) < k {
			issues = append(issues, model.AnonymizationIssue{
				Severity: model.SeverityCritical,
				Description: fmt.Sprintf(
					"group of size %d below k=%d after exhaustive merge", len(c.members), k),
			})
		}
		groups = append(groups, model.AnonymityGroup{
			Members:        append([]int(nil), c.members...),
			Representative: representative(responses, c),
		})
	}
	return groups, issues
}

func newCluster(idx int, toks map[string]int) *cluster {
	c := &cluster{tokens: make(map[string]int, len(toks))}
	c.add(idx, toks)
	return c
}

func (c *cluster) add(idx int, toks map[string]int) {
	c.members = append(c.members, idx)
	for tok, n := range toks {
		c.tokens[tok] += n
	}
}

// representative picks the member closest to the cluster centroid, ties
// resolved toward the earliest response.
func representative(responses []model.Response, c *cluster) string {
	best := c.members[0]
	bestSim := -1.0
	for _, m := range c.members {
		sim := jaccard(tokenize(responses[m].Text), c.tokens)
		if sim > bestSim {
			best = m
			bestSim = sim
		}
	}
	return responses[best].Text
}

// tokenize lowercases and splits on non-letter/digit runs, returning token
// counts.
func tokenize(text string) map[string]int {
	toks := make(map[string]int)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		toks[f]++
	}
	return toks
}

// jaccard computes set Jaccard similarity over the token keys.
func jaccard(a, b map[string]int) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var inter int
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
