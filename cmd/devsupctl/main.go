// SPDX-License-Identifier: MIT

// devsupctl is the command-line client for the devsupd control API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

const usageText = `Usage: devsupctl [-addr URL] <command> [flags] [args]

Session commands:
  start [flags] -- <command...>   start a session
  list [-status S] [-json]        list sessions
  get <id> [-json]                show one session
  stop <id> [-force]              stop a session
  restart <id> [-json]            restart a session
  stop-all                        stop every session

Log commands:
  logs <id> [-n N] [-filter RE] [-json]    tail the session log
  follow <id> [-from-seq N] [-filter RE]   stream the session log (SSE)
  clear <id>                               clear the session log

Event commands:
  events [-session ID]            stream lifecycle events (SSE)

Port commands:
  ports list [-tag T] [-json]     list allocations
  ports get <port> [-json]        show one allocation
  ports check -port P [-tag T]    check availability
  ports suggest -tag T [-count N] suggest free ports
  ports gc                        release orphaned allocations

Other:
  version                         client and daemon versions

The daemon address comes from -addr or DEVSUP_ADDR (default ` + defaultAddr + `).
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	addr := flag.String("addr", "", "daemon base URL (overrides DEVSUP_ADDR)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	baseURL := *addr
	if baseURL == "" {
		baseURL = os.Getenv("DEVSUP_ADDR")
	}
	if baseURL == "" {
		baseURL = defaultAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := NewClient(baseURL)
	if err := dispatch(ctx, client, args[0], args[1:]); err != nil {
		if ctx.Err() != nil {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "devsupctl: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *Client, cmd string, args []string) error {
	switch cmd {
	case "start":
		return cmdStart(ctx, c, args)
	case "list":
		return cmdList(ctx, c, args)
	case "get":
		return cmdGet(ctx, c, args)
	case "stop":
		return cmdStop(ctx, c, args)
	case "restart":
		return cmdRestart(ctx, c, args)
	case "stop-all":
		return cmdStopAll(ctx, c)
	case "logs":
		return cmdLogs(ctx, c, args)
	case "follow":
		return cmdFollow(ctx, c, args)
	case "clear":
		return cmdClear(ctx, c, args)
	case "events":
		return cmdEvents(ctx, c, args)
	case "ports":
		return cmdPorts(ctx, c, args)
	case "version":
		return cmdVersion(ctx, c)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// envFlag collects repeated -env KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string { return "" }

func (e envFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[k] = val
	return nil
}

func cmdStart(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "human-readable session name")
	workdir := fs.String("workdir", "", "working directory (default: current)")
	port := fs.Int("port", 0, "requested port (0 = pick from tag range)")
	tag := fs.String("tag", "", "project type tag (node|static|python|php)")
	autoRestart := fs.Bool("auto-restart", false, "restart on crash")
	jsonOut := fs.Bool("json", false, "print raw JSON")
	env := envFlag{}
	fs.Var(env, "env", "environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := strings.Join(fs.Args(), " ")
	if command == "" {
		return fmt.Errorf("start: missing command (devsupctl start [flags] -- npm run dev)")
	}

	wd := *workdir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return err
		}
	}

	req := startRequest{
		Name:        *name,
		Command:     command,
		Workdir:     wd,
		Port:        *port,
		Tag:         *tag,
		AutoRestart: *autoRestart,
	}
	if len(env) > 0 {
		req.Env = env
	}

	var view sessionView
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &view); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(view)
	}
	fmt.Printf("%s  %s", view.ID, view.Status)
	if view.Port > 0 {
		fmt.Printf("  port %d", view.Port)
	}
	fmt.Println()
	return nil
}

func cmdList(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	jsonOut := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/v1/sessions"
	if *status != "" {
		path += "?status=" + url.QueryEscape(*status)
	}

	var views []sessionView
	if err := c.do(ctx, http.MethodGet, path, nil, &views); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(views)
	}
	if len(views) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-38s %-10s %6s %8s %6s  %s\n", "ID", "STATUS", "PORT", "RESTARTS", "PID", "COMMAND")
	for _, v := range views {
		port := "-"
		if v.Port > 0 {
			port = fmt.Sprintf("%d", v.Port)
		}
		pid := "-"
		if v.PID > 0 {
			pid = fmt.Sprintf("%d", v.PID)
		}
		fmt.Printf("%-38s %-10s %6s %8d %6s  %s\n", v.ID, v.Status, port, v.RestartCount, pid, v.Command)
	}
	return nil
}

func cmdGet(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print raw JSON")
	id, err := parseIDArgs(fs, args, "get")
	if err != nil {
		return err
	}

	var view sessionView
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &view); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(view)
	}
	printSession(view)
	return nil
}

func printSession(v sessionView) {
	fmt.Printf("id:           %s\n", v.ID)
	if v.Name != "" {
		fmt.Printf("name:         %s\n", v.Name)
	}
	fmt.Printf("status:       %s\n", v.Status)
	if v.Reason != "" {
		fmt.Printf("reason:       %s\n", v.Reason)
	}
	fmt.Printf("command:      %s\n", v.Command)
	fmt.Printf("workdir:      %s\n", v.Workdir)
	if v.Tag != "" {
		fmt.Printf("tag:          %s\n", v.Tag)
	}
	if v.Port > 0 {
		fmt.Printf("port:         %d\n", v.Port)
	}
	if v.PID > 0 {
		fmt.Printf("pid:          %d\n", v.PID)
	}
	fmt.Printf("autoRestart:  %t\n", v.AutoRestart)
	fmt.Printf("restarts:     %d\n", v.RestartCount)
	fmt.Printf("created:      %s\n", v.CreatedAt.Format(time.RFC3339))
	if v.ReadyAt != nil {
		fmt.Printf("ready:        %s\n", v.ReadyAt.Format(time.RFC3339))
	}
	if v.EndedAt != nil {
		fmt.Printf("ended:        %s\n", v.EndedAt.Format(time.RFC3339))
	}
	if v.ExitCode != nil {
		fmt.Printf("exitCode:     %d\n", *v.ExitCode)
	}
	if v.ExitSignal != "" {
		fmt.Printf("exitSignal:   %s\n", v.ExitSignal)
	}
}

func cmdStop(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	force := fs.Bool("force", false, "skip the grace period (SIGKILL)")
	id, err := parseIDArgs(fs, args, "stop")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	var out stopResult
	body := map[string]bool{"force": *force}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/stop", body, &out); err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", out.ID, out.Status)
	return nil
}

func cmdRestart(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print raw JSON")
	id, err := parseIDArgs(fs, args, "restart")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	var view sessionView
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/restart", nil, &view); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(view)
	}
	fmt.Printf("%s  %s", view.ID, view.Status)
	if view.Port > 0 {
		fmt.Printf("  port %d", view.Port)
	}
	fmt.Println()
	return nil
}

func cmdStopAll(ctx context.Context, c *Client) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	var out stopAllResult
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/stop-all", nil, &out); err != nil {
		return err
	}
	fmt.Printf("stopped %d, failed %d\n", out.Stopped, out.Failed)
	if out.Failed > 0 {
		return fmt.Errorf("%d sessions did not stop", out.Failed)
	}
	return nil
}

func cmdLogs(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	n := fs.Int("n", 100, "number of entries")
	filter := fs.String("filter", "", "regex filter")
	jsonOut := fs.Bool("json", false, "print raw JSON")
	id, err := parseIDArgs(fs, args, "logs")
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("n", fmt.Sprintf("%d", *n))
	if *filter != "" {
		q.Set("filter", *filter)
	}

	var entries []logEntry
	path := "/v1/sessions/" + url.PathEscape(id) + "/logs?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(entries)
	}
	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func printEntry(e logEntry) {
	ts := time.UnixMilli(e.Ts.WallMs).Format("15:04:05.000")
	fmt.Printf("%s %-6s %s\n", ts, e.Stream, e.Line)
}

func cmdFollow(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	fromSeq := fs.Uint64("from-seq", 0, "start at this sequence number (0 = oldest retained)")
	filter := fs.String("filter", "", "regex filter")
	id, err := parseIDArgs(fs, args, "follow")
	if err != nil {
		return err
	}

	q := url.Values{}
	if *fromSeq > 0 {
		q.Set("fromSeq", fmt.Sprintf("%d", *fromSeq))
	}
	if *filter != "" {
		q.Set("filter", *filter)
	}

	path := "/v1/sessions/" + url.PathEscape(id) + "/logs/stream"
	return c.stream(ctx, path, q, func(ev sseEvent) error {
		var f streamFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		switch f.Type {
		case "entry":
			if f.Entry != nil {
				printEntry(*f.Entry)
			}
		case "lagged":
			fmt.Fprintf(os.Stderr, "... %d entries dropped (client too slow)\n", f.Dropped)
		case "end":
			fmt.Fprintf(os.Stderr, "stream ended: %s\n", f.Reason)
		}
		return nil
	})
}

func cmdClear(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	id, err := parseIDArgs(fs, args, "clear")
	if err != nil {
		return err
	}

	var out map[string]string
	if err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id)+"/logs", nil, &out); err != nil {
		return err
	}
	fmt.Printf("%s  cleared\n", id)
	return nil
}

func cmdEvents(ctx context.Context, c *Client, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	session := fs.String("session", "", "only this session's events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *session != "" {
		q.Set("sessionId", *session)
	}

	return c.stream(ctx, "/v1/events/stream", q, func(ev sseEvent) error {
		var f streamFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		switch f.Type {
		case "event":
			fmt.Printf("%s %s\n", f.Kind, string(f.Event))
		case "lagged":
			fmt.Fprintf(os.Stderr, "... %d events dropped (client too slow)\n", f.Dropped)
		case "end":
			fmt.Fprintf(os.Stderr, "stream ended: %s\n", f.Reason)
		}
		return nil
	})
}

func cmdPorts(ctx context.Context, c *Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("ports: missing subcommand (list|get|check|suggest|gc)")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		fs := flag.NewFlagSet("ports list", flag.ExitOnError)
		tag := fs.String("tag", "", "filter by tag")
		jsonOut := fs.Bool("json", false, "print raw JSON")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		path := "/v1/ports"
		if *tag != "" {
			path += "?tag=" + url.QueryEscape(*tag)
		}
		var allocs []allocationView
		if err := c.do(ctx, http.MethodGet, path, nil, &allocs); err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(allocs)
		}
		if len(allocs) == 0 {
			fmt.Println("no allocations")
			return nil
		}
		fmt.Printf("%6s %-8s %-38s %s\n", "PORT", "TAG", "SESSION", "ALLOCATED")
		for _, a := range allocs {
			fmt.Printf("%6d %-8s %-38s %s\n", a.Port, a.Tag, a.OwnerSessionID, a.AllocatedAt.Format(time.RFC3339))
		}
		return nil

	case "get":
		fs := flag.NewFlagSet("ports get", flag.ExitOnError)
		jsonOut := fs.Bool("json", false, "print raw JSON")
		port, err := parseIDArgs(fs, rest, "ports get")
		if err != nil {
			return err
		}
		var alloc allocationView
		if err := c.do(ctx, http.MethodGet, "/v1/ports/"+url.PathEscape(port), nil, &alloc); err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(alloc)
		}
		fmt.Printf("port %d  tag %s  session %s  allocated %s\n",
			alloc.Port, alloc.Tag, alloc.OwnerSessionID, alloc.AllocatedAt.Format(time.RFC3339))
		return nil

	case "check":
		fs := flag.NewFlagSet("ports check", flag.ExitOnError)
		port := fs.Int("port", 0, "port to check")
		tag := fs.String("tag", "", "project type tag")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *port == 0 {
			return fmt.Errorf("ports check: -port is required")
		}
		q := url.Values{}
		q.Set("port", fmt.Sprintf("%d", *port))
		if *tag != "" {
			q.Set("tag", *tag)
		}
		var out portCheckResult
		if err := c.do(ctx, http.MethodGet, "/v1/ports/check?"+q.Encode(), nil, &out); err != nil {
			return err
		}
		if out.Available {
			fmt.Printf("port %d is available\n", out.Port)
			return nil
		}
		fmt.Printf("port %d is not available: %s\n", out.Port, out.Reason)
		return nil

	case "suggest":
		fs := flag.NewFlagSet("ports suggest", flag.ExitOnError)
		tag := fs.String("tag", "", "project type tag")
		count := fs.Int("count", 0, "number of suggestions")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *tag == "" {
			return fmt.Errorf("ports suggest: -tag is required")
		}
		q := url.Values{}
		q.Set("tag", *tag)
		if *count > 0 {
			q.Set("count", fmt.Sprintf("%d", *count))
		}
		var ports []int
		if err := c.do(ctx, http.MethodGet, "/v1/ports/suggest?"+q.Encode(), nil, &ports); err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil

	case "gc":
		var out portGCResult
		if err := c.do(ctx, http.MethodPost, "/v1/ports/gc", nil, &out); err != nil {
			return err
		}
		fmt.Printf("released %d orphaned ports %v\n", len(out.Released), out.Released)
		return nil

	default:
		return fmt.Errorf("ports: unknown subcommand %q", sub)
	}
}

func cmdVersion(ctx context.Context, c *Client) error {
	fmt.Printf("devsupctl %s (commit: %s, built: %s)\n", version, commit, buildDate)

	var daemon struct {
		Version string `json:"version"`
		Commit  string `json:"commit"`
		Date    string `json:"date"`
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodGet, "/version", nil, &daemon); err != nil {
		fmt.Printf("devsupd  unreachable: %v\n", err)
		return nil
	}
	fmt.Printf("devsupd   %s (commit: %s, built: %s)\n", daemon.Version, daemon.Commit, daemon.Date)
	return nil
}

// parseIDArgs parses flags that may come before or after the single
// positional argument, so both `stop -force ID` and `stop ID -force` work.
func parseIDArgs(fs *flag.FlagSet, args []string, cmd string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	pos := fs.Args()
	if len(pos) == 0 {
		return "", fmt.Errorf("%s: missing argument", cmd)
	}
	if len(pos) > 1 {
		if err := fs.Parse(pos[1:]); err != nil {
			return "", err
		}
		if len(fs.Args()) > 0 {
			return "", fmt.Errorf("%s: too many arguments", cmd)
		}
	}
	return pos[0], nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
