package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("MESH_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	token := os.Getenv("MESH_ADMIN_TOKEN")

	switch os.Args[1] {
	case "create":
		cmdCreate(gateway, token)
	case "agents":
		cmdAgents(gateway, token)
	case "prompt":
		cmdPrompt(gateway, token)
	case "remember":
		cmdRemember(gateway, token)
	case "memory":
		cmdMemory(gateway, token)
	case "loop":
		cmdLoop(gateway, token)
	case "watch":
		cmdWatch(gateway, token)
	case "version":
		fmt.Printf("meshctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Agent Mesh CLI v` + version + `

Usage: meshctl <command> [flags]

Commands:
  create     Create an agent
  agents     List registered agents
  prompt     Send a one-off prompt to an agent
  remember   Store a memory note for an agent
  memory     List an agent's memory records
  loop       Control an agent's loop (start|stop|status)
  watch      Tail the event firehose
  version    Print version
  help       Show this help

Environment:
  MESH_GATEWAY_URL   Gateway URL (default: http://localhost:8080)
  MESH_ADMIN_TOKEN   Admin bearer token

Examples:
  meshctl create --name alice --personality "curious researcher"
  meshctl prompt --agent alice --text "what are you working on?"
  meshctl remember --agent alice --summary "deploy finished at noon"
  meshctl watch --collections agent.comms.message`)
}

// ----------------------------------------------------------------
// create command
// ----------------------------------------------------------------

func cmdCreate(gateway, token string) {
	var name, personality, specialty, model, mode string
	tools := "remember,recall,notify,goal,send_message"

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--personality", "-p":
			i++
			if i < len(args) {
				personality = args[i]
			}
		case "--specialty":
			i++
			if i < len(args) {
				specialty = args[i]
			}
		case "--model":
			i++
			if i < len(args) {
				model = args[i]
			}
		case "--mode":
			i++
			if i < len(args) {
				mode = args[i]
			}
		case "--tools":
			i++
			if i < len(args) {
				tools = args[i]
			}
		}
	}
	if name == "" || personality == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshctl create --name <name> --personality <text> [--specialty s] [--model m] [--mode autonomous|passive]")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"personality":  personality,
		"specialty":    specialty,
		"model":        model,
		"loopMode":     mode,
		"enabledTools": strings.Split(tools, ","),
	})
	resp, err := doRequest("POST", gateway+"/agents/"+name, body, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if errMsg, ok := result["error"].(string); ok {
		fmt.Fprintf(os.Stderr, "Create failed: %s\n", errMsg)
		os.Exit(1)
	}
	fmt.Printf("✅ created %s\n   did: %s\n", name, result["did"])
}

// ----------------------------------------------------------------
// agents command
// ----------------------------------------------------------------

func cmdAgents(gateway, token string) {
	resp, err := doRequest("GET", gateway+"/agents", nil, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result struct {
		Agents []struct {
			DID          string                 `json:"did"`
			Metadata     map[string]interface{} `json:"metadata"`
			RegisteredAt time.Time              `json:"registeredAt"`
		} `json:"agents"`
	}
	json.Unmarshal(resp, &result)
	if len(result.Agents) == 0 {
		fmt.Println("No agents registered.")
		return
	}
	fmt.Printf("%-20s %-44s %s\n", "NAME", "DID", "REGISTERED")
	fmt.Println(strings.Repeat("-", 84))
	for _, a := range result.Agents {
		name, _ := a.Metadata["name"].(string)
		fmt.Printf("%-20s %-44s %s\n", name, a.DID, a.RegisteredAt.Format(time.RFC3339))
	}
}

// ----------------------------------------------------------------
// prompt command
// ----------------------------------------------------------------

func cmdPrompt(gateway, token string) {
	agent, rest := agentFlag(os.Args[2:])
	var text string
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--text" || rest[i] == "-t" {
			i++
			if i < len(rest) {
				text = rest[i]
			}
		}
	}
	if agent == "" || text == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshctl prompt --agent <name> --text <prompt>")
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	resp, err := doRequest("POST", gateway+"/agents/"+agent+"/prompt", body, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if errMsg, ok := result["error"].(string); ok {
		fmt.Fprintf(os.Stderr, "Prompt failed: %s\n", errMsg)
		os.Exit(1)
	}
	fmt.Printf("[%s] %s\n", result["modelUsed"], result["response"])
}

// ----------------------------------------------------------------
// memory commands
// ----------------------------------------------------------------

func cmdRemember(gateway, token string) {
	agent, rest := agentFlag(os.Args[2:])
	var summary string
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--summary" || rest[i] == "-s" {
			i++
			if i < len(rest) {
				summary = rest[i]
			}
		}
	}
	if agent == "" || summary == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshctl remember --agent <name> --summary <text>")
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   summary,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	resp, err := doRequest("POST", gateway+"/agents/"+agent+"/memory", body, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if errMsg, ok := result["error"].(string); ok {
		fmt.Fprintf(os.Stderr, "Store failed: %s\n", errMsg)
		os.Exit(1)
	}
	fmt.Printf("✅ stored %s\n", result["id"])
}

func cmdMemory(gateway, token string) {
	agent, rest := agentFlag(os.Args[2:])
	collection := ""
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--collection" || rest[i] == "-c" {
			i++
			if i < len(rest) {
				collection = rest[i]
			}
		}
	}
	if agent == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshctl memory --agent <name> [--collection <type>]")
		os.Exit(1)
	}
	path := gateway + "/agents/" + agent + "/memory"
	if collection != "" {
		path += "?collection=" + url.QueryEscape(collection)
	}
	resp, err := doRequest("GET", path, nil, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result struct {
		Records []struct {
			ID        string                 `json:"id"`
			Record    map[string]interface{} `json:"record"`
			CreatedAt time.Time              `json:"createdAt"`
		} `json:"records"`
	}
	json.Unmarshal(resp, &result)
	if len(result.Records) == 0 {
		fmt.Println("No records.")
		return
	}
	for _, r := range result.Records {
		line, _ := json.Marshal(r.Record)
		fmt.Printf("%s  %s\n  %s\n", r.CreatedAt.Format(time.RFC3339), r.ID, line)
	}
}

// ----------------------------------------------------------------
// loop command
// ----------------------------------------------------------------

func cmdLoop(gateway, token string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: meshctl loop <start|stop|status> --agent <name>")
		os.Exit(1)
	}
	action := os.Args[2]
	agent, _ := agentFlag(os.Args[3:])
	if agent == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshctl loop <start|stop|status> --agent <name>")
		os.Exit(1)
	}

	var resp []byte
	var err error
	switch action {
	case "start", "stop":
		resp, err = doRequest("POST", gateway+"/agents/"+agent+"/loop/"+action, nil, token)
	case "status":
		resp, err = doRequest("GET", gateway+"/agents/"+agent+"/loop/status", nil, token)
	default:
		fmt.Fprintf(os.Stderr, "Unknown loop action: %s\n", action)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if action == "status" {
		fmt.Printf("running: %v\ncycles:  %.0f\nmode:    %v\nnext in: %.1fs\n",
			result["loopRunning"], toFloat(result["loopCount"]), result["mode"], toFloat(result["nextCycleIn"]))
		return
	}
	fmt.Printf("loopRunning: %v\n", result["loopRunning"])
}

// ----------------------------------------------------------------
// watch command
// ----------------------------------------------------------------

func cmdWatch(gateway, token string) {
	var collections, dids string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--collections":
			i++
			if i < len(args) {
				collections = args[i]
			}
		case "--dids":
			i++
			if i < len(args) {
				dids = args[i]
			}
		}
	}

	wsURL := strings.Replace(gateway, "http", "ws", 1) + "/firehose"
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if collections != "" {
		q.Set("collections", collections)
	}
	if dids != "" {
		q.Set("dids", dids)
	}
	if len(q) > 0 {
		wsURL += "?" + q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "watching %s\n", wsURL)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "connection closed: %v\n", err)
			return
		}
		for _, line := range bytes.Split(msg, []byte("\n")) {
			if len(line) > 0 {
				fmt.Println(string(line))
			}
		}
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func agentFlag(args []string) (string, []string) {
	for i := 0; i < len(args); i++ {
		if args[i] == "--agent" || args[i] == "-a" {
			if i+1 < len(args) {
				return args[i+1], args
			}
		}
	}
	return "", args
}

func doRequest(method, url string, body []byte, token string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
