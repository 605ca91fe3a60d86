package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/quantsys/scc-hub/internal/config"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scchubctl task create <task_code> | scchubctl task replay <task_id>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token := strings.TrimSpace(os.Getenv("SCC_HUB_TOKEN"))
	if token == "" {
		fmt.Fprintln(os.Stderr, "SCC_HUB_TOKEN must be set to an admin or submitter token")
		return 2
	}

	switch args[0] {
	case "create":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: scchubctl task create <task_code>")
			return 2
		}
		return postJSON(ctx, cfg, token, "/api/task/create", map[string]any{"task_code": args[1]})
	case "replay":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: scchubctl task replay <task_id>")
			return 2
		}
		return postJSON(ctx, cfg, token, "/api/dlq/replay", map[string]any{"task_id": args[1]})
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand %q\n", args[0])
		return 2
	}
}

func postJSON(ctx context.Context, cfg config.Config, token, path string, body map[string]any) int {
	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18788"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "http://"+addr+path, &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "do request: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(respBody)
	if len(respBody) == 0 || respBody[len(respBody)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode >= 300 {
		return 1
	}
	return 0
}
