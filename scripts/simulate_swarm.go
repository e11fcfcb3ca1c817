// Command simulate_swarm provisions a two-agent swarm against a running
// server and routes a message between them, printing each step. Useful
// as a smoke check after deploys.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

var (
	gateway = envOr("MESH_GATEWAY_URL", "http://localhost:8080")
	token   = os.Getenv("MESH_ADMIN_TOKEN")
)

func main() {
	fmt.Println("🤖 provisioning swarm: scout + archivist")

	scoutDID := createAgent("scout", "terse field reporter")
	archivistDID := createAgent("archivist", "meticulous recordkeeper")
	fmt.Printf("✅ scout     %s\n✅ archivist %s\n", scoutDID, archivistDID)

	fmt.Println("📡 routing a message scout -> archivist via the relay")
	msg := map[string]interface{}{
		"$type":     "agent.comms.message",
		"sender":    scoutDID,
		"recipient": archivistDID,
		"content":   map[string]interface{}{"kind": "text", "text": "perimeter clear, logging off"},
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	post("/relay/message", msg)

	time.Sleep(500 * time.Millisecond)
	inbox := get("/agents/archivist/inbox")
	messages, _ := inbox["messages"].([]interface{})
	fmt.Printf("📥 archivist inbox: %d pending\n", len(messages))

	fmt.Println("💾 storing a note in scout's encrypted memory")
	stored := post("/agents/scout/memory", map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   "swarm smoke check completed",
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	fmt.Printf("✅ record %s\n", stored["id"])
}

func createAgent(name, personality string) string {
	result := post("/agents/"+name, map[string]interface{}{
		"personality":  personality,
		"loopMode":     "passive",
		"enabledTools": []string{"remember", "recall", "notify", "send_message"},
	})
	if did, ok := result["did"].(string); ok {
		return did
	}
	// Already provisioned from an earlier run.
	identity := get("/agents/" + name + "/identity")
	did, _ := identity["did"].(string)
	if did == "" {
		log.Fatalf("could not provision %s: %v", name, result["error"])
	}
	return did
}

func post(path string, body map[string]interface{}) map[string]interface{} {
	buf, _ := json.Marshal(body)
	return request(http.MethodPost, path, bytes.NewReader(buf))
}

func get(path string) map[string]interface{} {
	return request(http.MethodGet, path, nil)
}

func request(method, path string, body io.Reader) map[string]interface{} {
	req, err := http.NewRequest(method, gateway+path, body)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
