package lexicon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(fields map[string]interface{}) map[string]interface{} {
	rec := map[string]interface{}{
		"$type":     TypeNote,
		"summary":   "met bob",
		"createdAt": "2026-02-07T00:00:00.000Z",
	}
	for k, v := range fields {
		rec[k] = v
	}
	return rec
}

func TestValidNote(t *testing.T) {
	assert.NoError(t, Validate(note(nil)))
}

func TestNoteMissingSummary(t *testing.T) {
	rec := note(nil)
	delete(rec, "summary")
	err := Validate(rec)
	require.Error(t, err)
	verr := err.(*ValidationError)
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, "summary", verr.Issues[0].Path)
}

func TestUnknownTypeRejected(t *testing.T) {
	err := Validate(map[string]interface{}{"$type": "agent.memory.bogus", "createdAt": "x"})
	require.Error(t, err)
}

func TestMissingTypeRejected(t *testing.T) {
	err := Validate(map[string]interface{}{"summary": "x"})
	require.Error(t, err)
	verr := err.(*ValidationError)
	assert.Equal(t, "$type", verr.Issues[0].Path)
}

func TestDecisionStatusEnum(t *testing.T) {
	rec := map[string]interface{}{
		"$type":     TypeDecision,
		"decision":  "use pebble",
		"context":   "storage",
		"rationale": "embedded",
		"status":    "accepted",
		"createdAt": "2026-02-07T00:00:00.000Z",
	}
	assert.NoError(t, Validate(rec))

	rec["status"] = "maybe"
	assert.Error(t, Validate(rec))
}

func TestMessageContentUnion(t *testing.T) {
	base := func(content interface{}) map[string]interface{} {
		return map[string]interface{}{
			"$type":     TypeMessage,
			"sender":    "did:cf:alice",
			"recipient": "did:cf:bob",
			"content":   content,
			"createdAt": "2026-02-07T00:00:00.000Z",
		}
	}

	assert.NoError(t, Validate(base(map[string]interface{}{"kind": "text", "text": "hi"})))
	assert.NoError(t, Validate(base(map[string]interface{}{"kind": "json", "json": map[string]interface{}{"a": 1.0}})))
	assert.NoError(t, Validate(base(map[string]interface{}{"kind": "ref", "uri": "at://did:cf:x/agent.memory.note/abc"})))

	assert.Error(t, Validate(base(map[string]interface{}{"kind": "blob"})))
	assert.Error(t, Validate(base(map[string]interface{}{"kind": "text"})))
	assert.Error(t, Validate(base("not an object")))
}

func TestMessagePriorityDefaultAndRange(t *testing.T) {
	rec := map[string]interface{}{
		"$type":     TypeMessage,
		"sender":    "did:cf:alice",
		"recipient": "did:cf:bob",
		"content":   map[string]interface{}{"kind": "text", "text": "hi"},
		"createdAt": "2026-02-07T00:00:00.000Z",
	}
	require.NoError(t, Validate(rec))
	assert.Equal(t, float64(3), rec["priority"])

	rec["priority"] = float64(6)
	assert.Error(t, Validate(rec))
	rec["priority"] = float64(1)
	assert.NoError(t, Validate(rec))
}

func TestTaskDefaultsResultVisibility(t *testing.T) {
	rec := map[string]interface{}{
		"$type":     TypeTask,
		"sender":    "did:cf:alice",
		"recipient": "did:cf:bob",
		"task":      "summarize",
		"replyTo":   "at://did:cf:alice/agent.comms.task/abc",
		"createdAt": "2026-02-07T00:00:00.000Z",
	}
	require.NoError(t, Validate(rec))
	assert.Equal(t, "private", rec["resultVisibility"])
}

func TestHandoffContextEntries(t *testing.T) {
	rec := map[string]interface{}{
		"$type":     TypeHandoff,
		"from":      "did:cf:alice",
		"to":        "did:cf:bob",
		"reason":    "shift end",
		"createdAt": "2026-02-07T00:00:00.000Z",
		"context": []interface{}{
			map[string]interface{}{"recordId": "r1", "encryptedDek": "AAEC"},
		},
	}
	assert.NoError(t, Validate(rec))

	rec["context"] = []interface{}{map[string]interface{}{"recordId": "r1"}}
	assert.Error(t, Validate(rec))
}

func TestValidateJSON(t *testing.T) {
	rec, err := ValidateJSON([]byte(`{"$type":"agent.memory.note","summary":"Hi","createdAt":"2026-02-07T00:00:00.000Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hi", rec["summary"])

	_, err = ValidateJSON([]byte(`{"$type":`))
	assert.Error(t, err)

	_, err = ValidateJSON([]byte(`{"$type":"agent.memory.note","createdAt":"2026-02-07T00:00:00.000Z"}`))
	assert.Error(t, err)
}
