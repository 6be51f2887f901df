// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the devsupd control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for the given base URL. The zero timeout on the
// underlying http.Client is deliberate: follow/events hold streams open.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// problem is the error document the daemon returns on failures.
type problem struct {
	Title       string `json:"title"`
	Status      int    `json:"status"`
	Code        string `json:"code"`
	Detail      string `json:"detail,omitempty"`
	Suggestions []int  `json:"suggestions,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

func (p problem) Error() string {
	msg := p.Title
	if p.Detail != "" {
		msg = p.Detail
	}
	if p.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, p.Code)
	}
	if len(p.Suggestions) > 0 {
		msg = fmt.Sprintf("%s; free ports: %v", msg, p.Suggestions)
	}
	return msg
}

// do performs a request and decodes the response into out (when non-nil).
// Error responses are surfaced as the daemon's problem document.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var p problem
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil && p.Title != "" {
			return p
		}
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// sseEvent is one server-sent event frame off the wire.
type sseEvent struct {
	Type string
	Data []byte
}

// stream opens an SSE endpoint and invokes fn per frame until the server
// closes the stream or fn returns an error.
func (c *Client) stream(ctx context.Context, path string, query url.Values, fn func(sseEvent) error) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var p problem
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil && p.Title != "" {
			return p
		}
		return fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(ev.Data) > 0 {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = append(ev.Data, strings.TrimPrefix(line, "data: ")...)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

// sessionView mirrors the daemon's session snapshot.
type sessionView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Command      string            `json:"command"`
	Argv         []string          `json:"argv"`
	Workdir      string            `json:"workdir"`
	Env          map[string]string `json:"env,omitempty"`
	Tag          string            `json:"tag"`
	Status       string            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Port         int               `json:"port,omitempty"`
	PID          int               `json:"pid,omitempty"`
	AutoRestart  bool              `json:"autoRestart"`
	RestartCount int               `json:"restartCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	ReadyAt      *time.Time        `json:"readyAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	ExitSignal   string            `json:"exitSignal,omitempty"`
}

type startRequest struct {
	Name        string            `json:"name,omitempty"`
	Command     string            `json:"command"`
	Workdir     string            `json:"workdir"`
	Env         map[string]string `json:"env,omitempty"`
	Port        int               `json:"port,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	AutoRestart bool              `json:"autoRestart,omitempty"`
}

type stopResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stopAllResult struct {
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
}

type allocationView struct {
	Port           int       `json:"port"`
	OwnerSessionID string    `json:"ownerSessionId"`
	Tag            string    `json:"projectTypeTag"`
	AllocatedAt    time.Time `json:"allocatedAt"`
}

type portCheckResult struct {
	Port      int    `json:"port"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type portGCResult struct {
	Released []int `json:"released"`
}

type logTimestamp struct {
	WallMs int64 `json:"wallMs"`
	MonoNs int64 `json:"monoNs"`
}

type logEntry struct {
	Seq    uint64       `json:"seq"`
	Ts     logTimestamp `json:"ts"`
	Stream string       `json:"stream"`
	Line   string       `json:"line"`
}

// streamFrame is one item on a log or event stream.
type streamFrame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Entry   *logEntry       `json:"entry,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Dropped uint64          `json:"dropped,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

const defaultAddr = "http://127.0.0.1:7070"

// waitTimeout bounds synchronous stop/restart calls; streams are unbounded.
const waitTimeout = 45 * time.Second
