package llm

import (
	"encoding/json"
	"strings"

	"github.com/streamguard/moderator/pkg/models"
)

// extractContent pulls the assistant text out of an upstream response
// envelope. The canonical path is choices[0].message.content; alternative
// paths are accepted because deployments mix backends with inconsistent
// schemas. A body that is not a JSON envelope at all is returned verbatim —
// the verdict parser downstream decides whether anything usable is in it.
func extractContent(body []byte) string {
	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Content  string `json:"content"`
		Response string `json:"response"`
		Output   string `json:"output"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return string(body)
	}
	if len(envelope.Choices) > 0 {
		if c := envelope.Choices[0].Message.Content; c != "" {
			return c
		}
		if c := envelope.Choices[0].Text; c != "" {
			return c
		}
	}
	if envelope.Message.Content != "" {
		return envelope.Message.Content
	}
	if envelope.Content != "" {
		return envelope.Content
	}
	if envelope.Response != "" {
		return envelope.Response
	}
	if envelope.Output != "" {
		return envelope.Output
	}
	return string(body)
}

// verdictJSON is the schema the model is instructed to answer with.
// Unknown fields are ignored.
type verdictJSON struct {
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Categories []string `json:"categories"`
}

// decisionAliases maps model output spellings to verdict decisions.
var decisionAliases = map[string]models.VerdictDecision{
	"toxic":      models.VerdictToxic,
	"non-toxic":  models.VerdictNonToxic,
	"nontoxic":   models.VerdictNonToxic,
	"non_toxic":  models.VerdictNonToxic,
	"safe":       models.VerdictNonToxic,
	"spam":       models.VerdictSpam,
	"pii":        models.VerdictPII,
	"harassment": models.VerdictHarassment,
	"unknown":    models.VerdictUnknown,
}

// ParseVerdict turns free-form model output into a moderation verdict:
//
//  1. trim whitespace and optional code-fence markers
//  2. strict JSON parse
//  3. on failure, extract the first balanced {...} substring and retry
//  4. validate required fields
//
// Returns a KindUnparseable error when no valid verdict can be recovered;
// the caller decides the fallback.
func ParseVerdict(text string) (*models.ModerationVerdict, error) {
	candidate := stripFences(strings.TrimSpace(text))

	var vj verdictJSON
	if err := json.Unmarshal([]byte(candidate), &vj); err != nil {
		obj := firstBalancedObject(candidate)
		if obj == "" {
			return nil, newError(KindUnparseable, "no JSON object in response")
		}
		if err := json.Unmarshal([]byte(obj), &vj); err != nil {
			return nil, wrapError(KindUnparseable, err)
		}
	}

	if vj.Decision == "" {
		return nil, newError(KindUnparseable, "response missing decision field")
	}
	decision, ok := decisionAliases[strings.ToLower(strings.TrimSpace(vj.Decision))]
	if !ok {
		return nil, newError(KindUnparseable, "unrecognized decision %q", vj.Decision)
	}
	if vj.Confidence == nil {
		return nil, newError(KindUnparseable, "response missing confidence field")
	}

	confidence := *vj.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	reasoning := vj.Reasoning
	if len(reasoning) > models.MaxReasoningSize {
		reasoning = reasoning[:models.MaxReasoningSize]
	}

	return &models.ModerationVerdict{
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  reasoning,
		Categories: vj.Categories,
	}, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// firstBalancedObject returns the first balanced {...} substring, respecting
// JSON string literals and escapes. Empty when none is found.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
