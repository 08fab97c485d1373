// Package execclient issues single commands against a cluster's remote
// execution endpoint. It is a pure I/O boundary: no state, no store writes,
// and no error returns — execution failures come back as CommandResults
// with Error set, so a failing command never aborts the surrounding step.
package execclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/probeops/inquest/internal/store"
)

// Runner is the engine-facing contract.
type Runner interface {
	Execute(ctx context.Context, tokens []string, cluster store.Cluster) store.CommandResult
}

// Client posts commands to {endpoint}/execute with a bounded per-command
// timeout.
type Client struct {
	httpClient *http.Client
}

// New builds a Client. timeout bounds each command round-trip; zero means
// 30 seconds.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type executeRequest struct {
	Command []string `json:"command"`
}

type executeResponse struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

// Execute runs one command on the cluster. Transport errors, non-2xx
// statuses, and undecodable bodies all become failed CommandResults.
func (c *Client) Execute(ctx context.Context, tokens []string, cluster store.Cluster) store.CommandResult {
	joined := strings.Join(tokens, " ")
	result := store.CommandResult{Command: joined, Timestamp: time.Now().UTC()}

	body, err := json.Marshal(executeRequest{Command: tokens})
	if err != nil {
		result.Error = true
		result.Output = fmt.Sprintf("encode command: %v", err)
		return result
	}

	url := strings.TrimRight(cluster.Endpoint, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = true
		result.Output = fmt.Sprintf("build request: %v", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	if cluster.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cluster.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result.Error = true
		result.Output = fmt.Sprintf("execute %q against %s: %v", joined, cluster.Endpoint, err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		result.Error = true
		result.Output = fmt.Sprintf("execution endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return result
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		result.Error = true
		result.Output = fmt.Sprintf("decode execution response: %v", err)
		return result
	}

	if out.Command != "" {
		result.Command = out.Command
	}
	result.Output = out.Output
	return result
}
