package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// RunCLI handles subcommand execution against a running hub's HTTP admin
// surface. Returns true if a subcommand was recognized and handled. Node
// state lives only in the running hub process's registry, so every
// subcommand is a thin HTTP client against the control server's own
// diagnostic endpoints rather than a second reader of the database.
func RunCLI(args []string, apiAddr string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Println("lightwaveos hub (dev)")
		return true
	case "status":
		return cliStatus(apiAddr)
	case "nodes":
		return cliNodes(apiAddr)
	case "ota":
		return cliOTA(args[1:], apiAddr)
	case "set":
		return cliSet(args[1:], apiAddr)
	default:
		return false
	}
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func cliGet(apiAddr, path string, out any) error {
	resp, err := httpClient.Get(apiAddr + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}

func cliPost(apiAddr, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(apiAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func cliStatus(apiAddr string) bool {
	var health map[string]string
	if err := cliGet(apiAddr, "/health", &health); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var metrics map[string]int
	if err := cliGet(apiAddr, "/metrics", &metrics); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Hub: %s\n", apiAddr)
	fmt.Printf("Status: %s\n", health["status"])
	fmt.Printf("Nodes: %d\n", metrics["nodeCount"])
	return true
}

func cliNodes(apiAddr string) bool {
	var nodes []struct {
		NodeID         string  `json:"nodeId"`
		State          string  `json:"state"`
		FirmwareVer    string  `json:"fwVer"`
		OTAState       string  `json:"otaState"`
		RSSI           int     `json:"rssi"`
		LossPct        float64 `json:"lossPct"`
		DriftUs        int64   `json:"driftUs"`
		TimeSyncLocked bool    `json:"timeSyncLocked"`
	}
	if err := cliGet(apiAddr, "/nodes", &nodes); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes registered.")
		return true
	}
	for _, n := range nodes {
		locked := "unlocked"
		if n.TimeSyncLocked {
			locked = "locked"
		}
		fmt.Printf("  %-16s %-10s fw=%-10s ota=%-10s rssi=%-4d loss=%.1f%% drift=%dus ts=%s\n",
			n.NodeID, n.State, n.FirmwareVer, n.OTAState, n.RSSI, n.LossPct, n.DriftUs, locked)
	}
	return true
}

func cliOTA(args []string, apiAddr string) bool {
	if len(args) == 0 || args[0] == "state" {
		var out map[string]any
		if err := cliGet(apiAddr, "/ota/state", &out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		enc, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(enc))
		return true
	}

	switch args[0] {
	case "rollout":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: hub ota rollout <platform> <track> [nodeId...]\n")
			os.Exit(1)
		}
		req := map[string]any{"platform": args[1], "track": args[2], "nodeIds": args[3:]}
		var out map[string]string
		if err := cliPost(apiAddr, "/ota/rollout", req, &out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Rollout %s\n", out["status"])
		return true
	case "abort":
		var out map[string]string
		if err := cliPost(apiAddr, "/ota/abort", map[string]string{}, &out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Rollout %s\n", out["status"])
		return true
	case "manifest":
		var out []any
		if err := cliGet(apiAddr, "/ota/manifest.json", &out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		enc, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(enc))
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: hub ota [state|rollout <platform> <track> [nodeId...]|abort|manifest]\n")
	os.Exit(1)
	return true
}

// cliSet pushes global parameter changes through POST /params, e.g.
// `hub set brightness=0.7 effectId=5`. Values parse as JSON numbers.
func cliSet(args []string, apiAddr string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: hub set <param>=<value> [...]\n")
		os.Exit(1)
	}
	req := make(map[string]json.Number, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "error: %q is not param=value\n", a)
			os.Exit(1)
		}
		req[k] = json.Number(v)
	}
	var out map[string]int
	if err := cliPost(apiAddr, "/params", req, &out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Applied %d parameter(s)\n", out["applied"])
	return true
}

// apiAddrFrom turns a listen address (possibly just ":8787") into a
// reachable base URL for the CLI's own HTTP requests.
func apiAddrFrom(controlAddr string) string {
	addr := controlAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
