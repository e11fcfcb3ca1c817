package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/backend/internal/lexicon"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/tools"
)

// coreTools builds the always-present tool set bound to this actor.
// Extensions contribute the rest per cycle.
func (a *Actor) coreTools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "remember",
			Description: "Store a validated lexicon record in encrypted memory.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"record":{"type":"object"}},"required":["record"]}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				record, ok := args["record"].(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("record object is required")
				}
				if err := lexicon.Validate(record); err != nil {
					return nil, err
				}
				id, err := a.memory.Store(record)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"id": id}, nil
			},
		},
		{
			Name:        "recall",
			Description: "List recent records from encrypted memory, newest first.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"collection":{"type":"string"},"limit":{"type":"integer"}}}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				collection, _ := args["collection"].(string)
				limit := 0
				if f, ok := args["limit"].(float64); ok {
					limit = int(f)
				}
				records, err := a.memory.List(memory.ListOptions{Collection: collection, Limit: limit})
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"records": records, "count": len(records)}, nil
			},
		},
		{
			Name:        "notify",
			Description: "Report a situation (including stuck states) to the operator stream.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"},"level":{"type":"string"}},"required":["message"]}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				message, _ := args["message"].(string)
				if message == "" {
					return nil, fmt.Errorf("message is required")
				}
				level, _ := args["level"].(string)
				if level == "" {
					level = "info"
				}
				a.Emitter.Emit(a.traceID, "agent.notify", a.identity.DID, "", map[string]interface{}{
					"message": message,
					"level":   level,
				})
				return map[string]interface{}{"notified": true}, nil
			},
		},
		{
			Name:        "goal",
			Description: "Update a goal's status or progress.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"goalId":{"type":"string"},
				"status":{"type":"string","enum":["pending","in_progress","blocked","completed","cancelled"]},
				"progress":{"type":"number"}},"required":["goalId"]}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				goalID, _ := args["goalId"].(string)
				if goalID == "" {
					return nil, fmt.Errorf("goalId is required")
				}
				status, _ := args["status"].(string)
				progress, hasProgress := args["progress"].(float64)

				updated := false
				for i := range a.config.Goals {
					g := &a.config.Goals[i]
					if g.ID != goalID {
						continue
					}
					if status != "" {
						g.Status = status
						if status == "completed" && g.CompletedAt == nil {
							now := time.Now().UTC()
							g.CompletedAt = &now
						}
					}
					if hasProgress {
						if progress < 0 {
							progress = 0
						}
						if progress > 1 {
							progress = 1
						}
						g.Progress = progress
					}
					updated = true
					break
				}
				if !updated {
					return nil, fmt.Errorf("goal %s not found", goalID)
				}
				if err := a.saveConfig(); err != nil {
					return nil, err
				}
				return map[string]interface{}{"goalId": goalID, "updated": true}, nil
			},
		},
		{
			Name:        "send_message",
			Description: "Send an agent.comms.message to another agent's inbox via the relay.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"recipient":{"type":"string"},
				"text":{"type":"string"},
				"priority":{"type":"integer"}},"required":["recipient","text"]}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				if a.Deliver == nil {
					return nil, fmt.Errorf("no relay configured")
				}
				recipient, _ := args["recipient"].(string)
				text, _ := args["text"].(string)
				if recipient == "" || text == "" {
					return nil, fmt.Errorf("recipient and text are required")
				}
				record := memory.Record{
					"$type":     lexicon.TypeMessage,
					"sender":    a.identity.DID,
					"recipient": recipient,
					"content":   map[string]interface{}{"kind": "text", "text": text},
					"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
				}
				if priority, ok := args["priority"].(float64); ok {
					record["priority"] = priority
				}
				if err := lexicon.Validate(record); err != nil {
					return nil, err
				}
				if recipient == a.identity.DID {
					// Self-delivery skips the relay; the cycle already holds
					// this actor's lock.
					if err := pushInbox(a.State, record); err != nil {
						return nil, err
					}
				} else if err := a.Deliver(ctx, recipient, record); err != nil {
					return nil, err
				}
				return map[string]interface{}{"delivered": true, "recipient": recipient}, nil
			},
		},
	}
}
