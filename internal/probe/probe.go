// Package probe polls the inference backend over plain HTTP so the status page can
// tell an unreachable backend apart from a stalled socket.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

type Status struct {
	State   string        `json:"state"`
	Latency time.Duration `json:"latency_ns"`
	Checked time.Time     `json:"checked"`
	// Counts is the request counters a facecam demo backend reports, nil otherwise.
	Counts map[string]any `json:"counts,omitempty"`
}

// Reachable reports whether the last check got an answer.
func (s Status) Reachable() bool {
	return s.State != "" && s.State != "error" && !strings.HasPrefix(s.State, "http_")
}

// Poll checks baseURL+path immediately and then every interval until ctx is done.
func Poll(ctx context.Context, clk clock.Clock, baseURL, path string, interval time.Duration, update func(Status)) {
	if baseURL == "" || update == nil {
		return
	}
	if clk == nil {
		clk = clock.New()
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	client := &http.Client{
		Timeout: 900 * time.Millisecond,
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		start := clk.Now()
		status := fetchStatus(ctx, client, endpoint)
		status.Latency = clk.Since(start)
		status.Checked = clk.Now()
		update(status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// backendStatus is the JSON document the demo backend serves on /.
type backendStatus struct {
	Status string         `json:"status"`
	Counts map[string]any `json:"counts"`
}

// fetchStatus maps one GET to a state. Any 2xx page counts as reachable ("ok"); a JSON
// body with a status field reports that status and its counters instead.
func fetchStatus(ctx context.Context, client *http.Client, endpoint string) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{State: "error"}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{State: "error"}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{State: fmt.Sprintf("http_%d", resp.StatusCode)}
	}
	if !isJSON(resp.Header.Get("Content-Type")) {
		return Status{State: "ok"}
	}
	var doc backendStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil || doc.Status == "" {
		return Status{State: "ok"}
	}
	return Status{State: strings.ToLower(doc.Status), Counts: doc.Counts}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
