// Command brokerctl is the broker's operational CLI: account
// inspection and signing-key rotation against a running broker's admin
// port, plus manual receipt finalization and a health check against its
// public port.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing: Run(args, stdout, stderr) int.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}
	switch args[1] {
	case "account":
		return runAccountCmd(args[2:], stdout, stderr)
	case "rotate-key":
		return runRotateKeyCmd(args[2:], stdout, stderr)
	case "finalize":
		return runFinalizeCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: brokerctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  account --did=<did>        Inspect a ledger account")
	fmt.Fprintln(w, "  finalize --id=<receipt_id> Force-finalize a receipt if quorum is met")
	fmt.Fprintln(w, "  rotate-key                 Rotate the broker's signing identity")
	fmt.Fprintln(w, "  health                     Check the broker's /health endpoint")
}

func adminBaseURL(fs *flag.FlagSet) *string {
	return fs.String("admin-addr", "http://localhost:8081", "broker admin listener address")
}

func baseURL(fs *flag.FlagSet) *string {
	return fs.String("addr", "http://localhost:8080", "broker public listener address")
}

func runAccountCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("account", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminBaseURL(fs)
	did := fs.String("did", "", "agent DID to inspect (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *did == "" {
		fmt.Fprintln(stderr, "Error: --did is required")
		return 2
	}
	return getJSON(stdout, stderr, *addr+"/admin/accounts/"+*did)
}

func runFinalizeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("finalize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := baseURL(fs)
	id := fs.String("id", "", "receipt id to finalize (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}
	return postJSON(stdout, stderr, *addr+"/api/receipts/"+*id+"/finalize")
}

func runRotateKeyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rotate-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminBaseURL(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return postJSON(stdout, stderr, *addr+"/admin/keys/rotate")
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := baseURL(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return getJSON(stdout, stderr, *addr+"/health")
}

func getJSON(stdout, stderr io.Writer, url string) int {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printResponse(stdout, stderr, resp)
}

func postJSON(stdout, stderr io.Writer, url string) int {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printResponse(stdout, stderr, resp)
}

func printResponse(stdout, stderr io.Writer, resp *http.Response) int {
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "decode response: %v\n", err)
		return 1
	}
	encoded, _ := json.MarshalIndent(body, "", "  ")
	fmt.Fprintln(stdout, string(encoded))
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}
