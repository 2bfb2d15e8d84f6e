package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamguard/moderator/pkg/models"
)

func TestParseVerdict_StrictJSON(t *testing.T) {
	v, err := ParseVerdict(`{"decision":"Non-Toxic","confidence":0.98,"reasoning":"greeting"}`)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNonToxic, v.Decision)
	assert.Equal(t, 0.98, v.Confidence)
	assert.Equal(t, "greeting", v.Reasoning)
}

func TestParseVerdict_CodeFence(t *testing.T) {
	v, err := ParseVerdict("```json\n{\"decision\":\"Toxic\",\"confidence\":0.91}\n```")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictToxic, v.Decision)
	assert.Equal(t, 0.91, v.Confidence)
}

func TestParseVerdict_EmbeddedObject(t *testing.T) {
	text := `Sure! Here is my analysis of the message: {"decision":"Toxic","confidence":0.91} — hope that helps.`
	v, err := ParseVerdict(text)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictToxic, v.Decision)
	assert.Equal(t, 0.91, v.Confidence)
}

func TestParseVerdict_NestedBraces(t *testing.T) {
	text := `prefix {"decision":"Spam","confidence":0.8,"extra":{"nested":"{not a brace}"}} suffix`
	v, err := ParseVerdict(text)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSpam, v.Decision)
}

func TestParseVerdict_DecisionAliases(t *testing.T) {
	tests := []struct {
		raw  string
		want models.VerdictDecision
	}{
		{"toxic", models.VerdictToxic},
		{"NON-TOXIC", models.VerdictNonToxic},
		{"non_toxic", models.VerdictNonToxic},
		{"safe", models.VerdictNonToxic},
		{"Spam", models.VerdictSpam},
		{"pii", models.VerdictPII},
		{"Harassment", models.VerdictHarassment},
	}
	for _, tt := range tests {
		v, err := ParseVerdict(`{"decision":"` + tt.raw + `","confidence":0.5}`)
		require.NoError(t, err, "decision %q", tt.raw)
		assert.Equal(t, tt.want, v.Decision)
	}
}

func TestParseVerdict_ConfidenceClamped(t *testing.T) {
	v, err := ParseVerdict(`{"decision":"Toxic","confidence":1.7}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Confidence)

	v, err = ParseVerdict(`{"decision":"Toxic","confidence":-0.3}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Confidence)
}

func TestParseVerdict_UnknownFieldsIgnored(t *testing.T) {
	v, err := ParseVerdict(`{"decision":"Spam","confidence":0.6,"model":"x","tokens":12}`)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSpam, v.Decision)
}

func TestParseVerdict_Unparseable(t *testing.T) {
	tests := []string{
		"I think this message is fine.",
		"",
		`{"decision":"Toxic"}`,                  // missing confidence
		`{"confidence":0.5}`,                    // missing decision
		`{"decision":"Meh","confidence":0.5}`,   // unrecognized decision
		`{"decision":"Toxic","confidence":0.5`,  // unbalanced
	}
	for _, text := range tests {
		_, err := ParseVerdict(text)
		require.Error(t, err, "text %q", text)
		assert.Equal(t, KindUnparseable, KindOf(err), "text %q", text)
	}
}

func TestParseVerdict_ReasoningTruncated(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'a'
	}
	v, err := ParseVerdict(`{"decision":"Toxic","confidence":0.9,"reasoning":"` + string(long) + `"}`)
	require.NoError(t, err)
	assert.Len(t, v.Reasoning, models.MaxReasoningSize)
}

func TestExtractContent_CanonicalPath(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":"the verdict"}}]}`)
	assert.Equal(t, "the verdict", extractContent(body))
}

func TestExtractContent_AlternativePaths(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"choices":[{"text":"from text"}]}`, "from text"},
		{`{"message":{"content":"from message"}}`, "from message"},
		{`{"content":"plain content"}`, "plain content"},
		{`{"response":"from response"}`, "from response"},
		{`{"output":"from output"}`, "from output"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractContent([]byte(tt.body)), "body %s", tt.body)
	}
}

func TestExtractContent_NoEnvelopeReturnedVerbatim(t *testing.T) {
	body := []byte(`{"decision":"Toxic","confidence":0.91}`)
	// No envelope fields: returned verbatim for the verdict parser.
	assert.Equal(t, string(body), extractContent(body))
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindTransient, "boom")
	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, IsKind(err, KindTransient))
	assert.False(t, IsKind(err, KindCircuitOpen))
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}
