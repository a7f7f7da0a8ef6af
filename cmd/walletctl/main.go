package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = "usage: walletctl request submit --address <0x..> --payload <json|@file> | walletctl request get --id <request_id> | walletctl balance --address <0x..> | walletctl allowance --owner <0x..> --spender <0x..> | walletctl approve --operator <0x..> --request-id <id>"

func main() {
	if len(os.Args) < 2 {
		fail(usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "request":
		runRequest(os.Args[2:])
	case "balance":
		runBalance(os.Args[2:])
	case "allowance":
		runAllowance(os.Args[2:])
	case "approve":
		runApprove(os.Args[2:])
	default:
		fail(usage)
		os.Exit(2)
	}
}

func runRequest(args []string) {
	if len(args) < 1 {
		fail(usage)
		os.Exit(2)
	}
	switch args[0] {
	case "submit":
		runRequestSubmit(args[1:])
	case "get":
		runRequestGet(args[1:])
	default:
		fail(usage)
		os.Exit(2)
	}
}

func runRequestSubmit(args []string) {
	fs := flag.NewFlagSet("request submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := serverFlag(fs)
	address := fs.String("address", "", "requester address (0x-prefixed hex)")
	payload := fs.String("payload", "", "instruction payload, inline json or @path")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*address) == "" || strings.TrimSpace(*payload) == "" {
		fail("both --address and --payload are required")
		os.Exit(2)
	}

	raw := []byte(*payload)
	if strings.HasPrefix(*payload, "@") {
		var err error
		raw, err = os.ReadFile(strings.TrimPrefix(*payload, "@"))
		if err != nil {
			fail("read payload failed: " + err.Error())
			os.Exit(1)
		}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fail("payload is not a json object: " + err.Error())
		os.Exit(1)
	}

	doPost(*server+"/wallet/requests", map[string]any{
		"address": strings.TrimSpace(*address),
		"payload": decoded,
	})
}

func runRequestGet(args []string) {
	fs := flag.NewFlagSet("request get", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := serverFlag(fs)
	id := fs.String("id", "", "request id")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*id) == "" {
		fail("--id is required")
		os.Exit(2)
	}
	doGet(*server + "/wallet/requests/" + strings.TrimSpace(*id))
}

func runBalance(args []string) {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := serverFlag(fs)
	address := fs.String("address", "", "account address (0x-prefixed hex)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*address) == "" {
		fail("--address is required")
		os.Exit(2)
	}
	doGet(*server + "/wallet/balances/" + strings.TrimSpace(*address))
}

func runAllowance(args []string) {
	fs := flag.NewFlagSet("allowance", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := serverFlag(fs)
	owner := fs.String("owner", "", "owner address (0x-prefixed hex)")
	spender := fs.String("spender", "", "spender address (0x-prefixed hex)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*owner) == "" || strings.TrimSpace(*spender) == "" {
		fail("both --owner and --spender are required")
		os.Exit(2)
	}
	doGet(*server + "/wallet/allowances/" + strings.TrimSpace(*owner) + "/" + strings.TrimSpace(*spender))
}

func runApprove(args []string) {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := serverFlag(fs)
	operator := fs.String("operator", "", "operator address (0x-prefixed hex)")
	requestID := fs.String("request-id", "", "request id to approve")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*operator) == "" || strings.TrimSpace(*requestID) == "" {
		fail("both --operator and --request-id are required")
		os.Exit(2)
	}
	doPost(*server+"/wallet/operators/approve", map[string]any{
		"operator":   strings.TrimSpace(*operator),
		"request_id": strings.TrimSpace(*requestID),
	})
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("WALLET_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("server", def, "wallet server base url")
}

func doPost(url string, body map[string]any) {
	b, err := json.Marshal(body)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	finish(resp)
}

func doGet(url string) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	finish(resp)
}

func finish(resp *http.Response) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(raw)))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fail(reason string) {
	b, _ := json.Marshal(reason)
	fmt.Printf("{\"status\":\"FAIL\",\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		string(b), time.Now().UTC().Format(time.RFC3339))
}
