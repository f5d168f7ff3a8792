package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/model"
)

const systemPrompt = `You are an expert survey analyst. You analyze batches of free-text survey responses and return structured findings as a single JSON object. Respond with JSON only, no prose.`

// BuildPrompt assembles the user prompt for one analysis call. Responses
// are numbered so provider output can reference them by index.
func BuildPrompt(req GenerateRequest) (string, error) {
	var sb strings.Builder

	switch req.Type {
	case model.AnalysisThematic:
		sb.WriteString("Identify the recurring themes across the survey responses below. ")
		sb.WriteString(`Return JSON: {"themes": [{"name": string, "description": string, "count": int, "confidence": float, "examples": [response indices]}]}.`)
	case model.AnalysisSentiment:
		sb.WriteString("Classify the sentiment of each survey response below as positive, negative, or neutral. ")
		sb.WriteString(`Return JSON: {"entries": [{"index": int, "label": "positive"|"negative"|"neutral", "score": float}]} with exactly one entry per response, in input order.`)
	case model.AnalysisClusters:
		sb.WriteString("Group the survey responses below into clusters of semantically similar answers. Every response index must appear in exactly one cluster. ")
		sb.WriteString(`Return JSON: {"clusters": [{"label": string, "members": [response indices], "summary": string}]}.`)
	case model.AnalysisCustom:
		if strings.TrimSpace(req.Options.CustomPrompt) == "" {
			return "", eris.New("gateway: custom analysis requires a prompt")
		}
		sb.WriteString(req.Options.CustomPrompt)
		sb.WriteString("\nReturn your findings as a single JSON object.")
	default:
		return "", eris.Errorf("gateway: unsupported analysis type %q", req.Type)
	}

	if req.Options.Language != "" {
		fmt.Fprintf(&sb, "\nThe responses are written in %s. Write all findings in the same language.", req.Options.Language)
	}
	if req.Options.CulturalContext != "" {
		fmt.Fprintf(&sb, "\nInterpret idioms and tone in the cultural context: %s.", req.Options.CulturalContext)
	}

	sb.WriteString("\n\nResponses:\n")
	for i, r := range req.Responses {
		fmt.Fprintf(&sb, "[%d] %s\n", i, r.Text)
	}

	return sb.String(), nil
}

// ParsePayload converts raw provider text into a typed payload.
func ParsePayload(analysisType model.AnalysisType, text string) (model.Payload, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return model.Payload{}, eris.New("gateway: empty provider response")
	}

	var payload model.Payload
	switch analysisType {
	case model.AnalysisThematic:
		var out struct {
			Themes []model.Theme `json:"themes"`
		}
		if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
			return model.Payload{}, eris.Wrap(err, "gateway: parse themes")
		}
		payload.Themes = out.Themes
	case model.AnalysisSentiment:
		var out struct {
			Entries []model.SentimentEntry `json:"entries"`
		}
		if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
			return model.Payload{}, eris.Wrap(err, "gateway: parse sentiment")
		}
		s := &model.Sentiment{Entries: out.Entries}
		s.Recalculate()
		payload.Sentiment = s
	case model.AnalysisClusters:
		var out struct {
			Clusters []model.Cluster `json:"clusters"`
		}
		if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
			return model.Payload{}, eris.Wrap(err, "gateway: parse clusters")
		}
		payload.Clusters = out.Clusters
	case model.AnalysisCustom:
		if !json.Valid([]byte(cleaned)) {
			return model.Payload{}, eris.New("gateway: custom payload is not valid JSON")
		}
		payload.Raw = json.RawMessage(cleaned)
	default:
		return model.Payload{}, eris.Errorf("gateway: unsupported analysis type %q", analysisType)
	}

	return payload, nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
