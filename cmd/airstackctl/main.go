package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	addr := flag.String("addr", envOr("AIRSTACK_ADDR", "http://127.0.0.1:9464"), "airstack status API base URL")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	switch flag.Arg(0) {
	case "health":
		doGET(*addr + "/healthz")
	case "status":
		doGET(*addr + "/v1/plan/status")
	case "resources":
		doGET(*addr + "/v1/resources")
	case "outputs":
		doGET(*addr + "/v1/outputs")
	case "graph":
		doGET(*addr + "/v1/plan/graph")
	case "apply":
		doPOST(*addr + "/v1/plan/apply")
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("airstackctl [--addr URL] <command>")
	fmt.Println("commands:")
	fmt.Println("  health       Agent liveness")
	fmt.Println("  status       Show deployment status")
	fmt.Println("  resources    List declared resources")
	fmt.Println("  outputs      Show published outputs")
	fmt.Println("  graph        Show declaration layers and edges")
	fmt.Println("  apply        Declare the stack again in the agent")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func doGET(url string) {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Fprintln(os.Stderr, "decode response:", err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = os.Stdout.Write(b)
	fmt.Println()
}

func doPOST(url string) {
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	fmt.Println("OK")
}
