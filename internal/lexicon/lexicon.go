// Package lexicon validates the closed set of record types that may cross
// an ingress boundary (HTTP, WebSocket, inbox, remember tool). Validation
// is a discriminated union on "$type"; unknown types are always rejected.
package lexicon

import (
	"encoding/json"
	"fmt"
)

// Record types accepted by the network.
const (
	TypeNote           = "agent.memory.note"
	TypeDecision       = "agent.memory.decision"
	TypeMessage        = "agent.comms.message"
	TypeTask           = "agent.comms.task"
	TypeResponse       = "agent.comms.response"
	TypeHandoff        = "agent.comms.handoff"
	TypeSessionArchive = "agent.session.archive"
)

// Issue describes one validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries the issue list back to the ingress edge, which
// surfaces it as an HTTP 400.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid record: %s: %s", e.Issues[0].Path, e.Issues[0].Message)
	}
	return fmt.Sprintf("invalid record: %d issues", len(e.Issues))
}

type checker struct {
	rec    map[string]interface{}
	issues []Issue
}

func (c *checker) requireString(field string) string {
	v, ok := c.rec[field]
	if !ok {
		c.issues = append(c.issues, Issue{Path: field, Message: "required"})
		return ""
	}
	s, ok := v.(string)
	if !ok || s == "" {
		c.issues = append(c.issues, Issue{Path: field, Message: "must be a non-empty string"})
		return ""
	}
	return s
}

func (c *checker) requireEnum(field string, allowed ...string) {
	s := c.requireString(field)
	if s == "" {
		return
	}
	for _, a := range allowed {
		if s == a {
			return
		}
	}
	c.issues = append(c.issues, Issue{Path: field, Message: fmt.Sprintf("must be one of %v", allowed)})
}

// Validate checks a decoded record against its "$type" schema. On failure
// it returns a *ValidationError with one issue per problem.
func Validate(rec map[string]interface{}) error {
	c := &checker{rec: rec}

	typ, _ := rec["$type"].(string)
	if typ == "" {
		c.issues = append(c.issues, Issue{Path: "$type", Message: "required"})
		return &ValidationError{Issues: c.issues}
	}

	switch typ {
	case TypeNote:
		c.requireString("summary")
		c.requireString("createdAt")
	case TypeDecision:
		c.requireString("decision")
		c.requireString("context")
		c.requireString("rationale")
		c.requireEnum("status", "proposed", "accepted", "rejected", "superseded")
		c.requireString("createdAt")
	case TypeMessage:
		c.requireString("sender")
		c.requireString("recipient")
		c.requireString("createdAt")
		c.checkMessageContent()
		c.checkPriority()
	case TypeTask:
		c.requireString("sender")
		c.requireString("recipient")
		c.requireString("task")
		c.requireString("replyTo")
		c.requireString("createdAt")
		c.checkResultVisibility()
	case TypeResponse:
		c.requireString("sender")
		c.requireString("recipient")
		c.requireString("requestUri")
		c.requireEnum("status", "accepted", "completed", "failed", "rejected")
		c.requireString("createdAt")
	case TypeHandoff:
		c.requireString("from")
		c.requireString("to")
		c.requireString("reason")
		c.requireString("createdAt")
		c.checkHandoffContext()
	case TypeSessionArchive:
		c.requireString("createdAt")
	default:
		c.issues = append(c.issues, Issue{Path: "$type", Message: fmt.Sprintf("unknown type %q", typ)})
	}

	if len(c.issues) > 0 {
		return &ValidationError{Issues: c.issues}
	}
	return nil
}

// checkMessageContent validates the tagged union on content.kind.
func (c *checker) checkMessageContent() {
	v, ok := c.rec["content"]
	if !ok {
		c.issues = append(c.issues, Issue{Path: "content", Message: "required"})
		return
	}
	content, ok := v.(map[string]interface{})
	if !ok {
		c.issues = append(c.issues, Issue{Path: "content", Message: "must be an object"})
		return
	}
	kind, _ := content["kind"].(string)
	switch kind {
	case "text":
		if s, ok := content["text"].(string); !ok || s == "" {
			c.issues = append(c.issues, Issue{Path: "content.text", Message: "required for kind text"})
		}
	case "json":
		if _, ok := content["json"]; !ok {
			c.issues = append(c.issues, Issue{Path: "content.json", Message: "required for kind json"})
		}
	case "ref":
		if s, ok := content["uri"].(string); !ok || s == "" {
			c.issues = append(c.issues, Issue{Path: "content.uri", Message: "required for kind ref"})
		}
	default:
		c.issues = append(c.issues, Issue{Path: "content.kind", Message: "must be one of [text json ref]"})
	}
}

// checkPriority applies the default of 3 and the [1,5] range.
func (c *checker) checkPriority() {
	v, ok := c.rec["priority"]
	if !ok {
		c.rec["priority"] = float64(3)
		return
	}
	p, ok := v.(float64)
	if !ok || p < 1 || p > 5 || p != float64(int(p)) {
		c.issues = append(c.issues, Issue{Path: "priority", Message: "must be an integer in [1,5]"})
	}
}

func (c *checker) checkResultVisibility() {
	v, ok := c.rec["resultVisibility"]
	if !ok {
		c.rec["resultVisibility"] = "private"
		return
	}
	s, _ := v.(string)
	if s != "private" && s != "public" && s != "shared" {
		c.issues = append(c.issues, Issue{Path: "resultVisibility", Message: "must be one of [private public shared]"})
	}
}

func (c *checker) checkHandoffContext() {
	v, ok := c.rec["context"]
	if !ok {
		c.issues = append(c.issues, Issue{Path: "context", Message: "required"})
		return
	}
	items, ok := v.([]interface{})
	if !ok {
		c.issues = append(c.issues, Issue{Path: "context", Message: "must be an array"})
		return
	}
	for i, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			c.issues = append(c.issues, Issue{Path: fmt.Sprintf("context[%d]", i), Message: "must be an object"})
			continue
		}
		if s, ok := entry["recordId"].(string); !ok || s == "" {
			c.issues = append(c.issues, Issue{Path: fmt.Sprintf("context[%d].recordId", i), Message: "required"})
		}
		if s, ok := entry["encryptedDek"].(string); !ok || s == "" {
			c.issues = append(c.issues, Issue{Path: fmt.Sprintf("context[%d].encryptedDek", i), Message: "required"})
		}
	}
}

// ValidateJSON decodes raw JSON and validates it, returning the decoded
// record on success.
func ValidateJSON(raw []byte) (map[string]interface{}, error) {
	var rec map[string]interface{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("lexicon: invalid json: %w", err)
	}
	if err := Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
