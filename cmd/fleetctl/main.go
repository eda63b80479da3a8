package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "fleetd base URL")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	switch cmd {
	case "agents":
		doGET(*addr + "/v1/agents")
	case "sequence":
		doGET(*addr + "/v1/sequence")
	case "graph":
		doGET(*addr + "/v1/graph")
	case "summary":
		doGET(*addr + "/v1/summary")
	case "alerts":
		doGET(*addr + "/v1/alerts?active=1")
	case "alert-history":
		doGET(*addr + "/v1/alerts")
	case "recommendations":
		doGET(*addr + "/v1/recommendations")
	case "restarts":
		doGET(*addr + "/v1/restarts")
	case "start-all":
		doPOST(*addr + "/v1/start")
	case "stop-all":
		doPOST(*addr + "/v1/stop")
	case "resolve-alert":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "missing alert id")
			os.Exit(2)
		}
		doPOST(*addr + "/v1/alerts/" + flag.Arg(1) + ":resolve")
	case "start", "stop", "restart", "reset-failures":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "missing agent name")
			os.Exit(2)
		}
		name := strings.Trim(flag.Arg(1), "/")
		doPOST(*addr + "/v1/agents/" + name + ":" + cmd)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("fleetctl [--addr URL] <command> [args]")
	fmt.Println("commands:")
	fmt.Println("  agents                   List agents with status and health score")
	fmt.Println("  sequence                 Show computed startup waves")
	fmt.Println("  graph                    Show the dependency graph")
	fmt.Println("  summary                  Aggregate resource summary")
	fmt.Println("  alerts                   List active alerts")
	fmt.Println("  alert-history            List retained alerts, resolved included")
	fmt.Println("  resolve-alert <id>       Mark an active alert resolved")
	fmt.Println("  recommendations          Advisory resource findings")
	fmt.Println("  restarts                 Automatic-restart bookkeeping")
	fmt.Println("  start-all                Start all agents in dependency order")
	fmt.Println("  stop-all                 Stop all agents in reverse order")
	fmt.Println("  start <name>             Start one agent")
	fmt.Println("  stop <name>              Stop one agent")
	fmt.Println("  restart <name>           Restart one agent")
	fmt.Println("  reset-failures <name>    Re-arm automatic restarts for an agent")
}

func doGET(url string) {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Println()
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	os.Stdout.Write(b)
	fmt.Println()
}

func doPOST(url string) {
	req, _ := http.NewRequest("POST", url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) > 0 {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	fmt.Println("OK")
}
