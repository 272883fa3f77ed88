// Package mcpgateway implements [gateway.Gateway] on top of a calendar MCP
// server, using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// Each gateway operation maps to one MCP tool. Tool names default to the
// operation names (list_events, create_event, ...) and can be remapped for
// servers that use their own naming. Arguments are sent as a JSON object;
// results are read from the tool's text content and decoded as JSON.
//
// The caller's access token travels in the "access_token" argument of every
// call so a single server process can act for many users.
package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/chronoxa/internal/gateway"
)

var _ gateway.Gateway = (*Gateway)(nil)

// Transport selects the connection mechanism for the MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// Operation names, also the default MCP tool names.
const (
	OpListEvents   = "list_events"
	OpGetEvent     = "get_event"
	OpSearchEvents = "search_events"
	OpCreateEvent  = "create_event"
	OpUpdateEvent  = "update_event"
	OpDeleteEvent  = "delete_event"
	OpListTasks    = "list_tasks"
	OpCreateTask   = "create_task"
	OpUpdateTask   = "update_task"
	OpDeleteTask   = "delete_task"
)

// Operations lists every operation name, in catalog order.
var Operations = []string{
	OpListEvents, OpGetEvent, OpSearchEvents, OpCreateEvent, OpUpdateEvent,
	OpDeleteEvent, OpListTasks, OpCreateTask, OpUpdateTask, OpDeleteTask,
}

// Config describes how to reach the calendar MCP server.
type Config struct {
	// Name identifies the server in logs and errors.
	Name string

	Transport Transport

	// Command is split on whitespace into executable and arguments (stdio only).
	Command string

	// Env holds extra environment variables for the subprocess (stdio only).
	Env map[string]string

	// URL is the endpoint address (streamable-http only).
	URL string

	// ToolNames remaps operation names to server tool names. Missing entries
	// use the operation name itself.
	ToolNames map[string]string
}

// Gateway is an MCP-backed calendar gateway. Create it with [Connect] or
// [NewWithSession].
type Gateway struct {
	name    string
	session *mcpsdk.ClientSession
	tools   map[string]string
}

// Connect dials the MCP server described by cfg.
func Connect(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.Name == "" {
		cfg.Name = "calendar"
	}
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("mcpgateway: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcpgateway: stdio server %q requires a non-empty command", cfg.Name)
		}
		// The subprocess outlives the dial context.
		cmd := exec.Command(parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpgateway: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "chronoxa-gateway", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: connect to %q: %w", cfg.Name, err)
	}
	return NewWithSession(cfg.Name, session, cfg.ToolNames), nil
}

// NewWithSession wraps an already established client session.
func NewWithSession(name string, session *mcpsdk.ClientSession, toolNames map[string]string) *Gateway {
	tools := make(map[string]string, len(toolNames))
	for op, tool := range toolNames {
		if tool != "" {
			tools[op] = tool
		}
	}
	return &Gateway{name: name, session: session, tools: tools}
}

// Close terminates the session.
func (g *Gateway) Close() error {
	return g.session.Close()
}

// Ping checks that the server is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.session.Ping(ctx, nil)
}

func (g *Gateway) toolName(op string) string {
	if name, ok := g.tools[op]; ok {
		return name
	}
	return op
}

// call invokes the tool mapped to op and decodes its JSON text result into
// out (if non-nil).
func (g *Gateway) call(ctx context.Context, op string, creds gateway.Credentials, args any, out any) error {
	argsMap, err := toArgs(args)
	if err != nil {
		return fmt.Errorf("mcpgateway: %s: encode args: %w", op, err)
	}
	if creds.AccessToken != "" {
		argsMap["access_token"] = creds.AccessToken
	}

	tool := g.toolName(op)
	res, err := g.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: argsMap})
	if err != nil {
		return fmt.Errorf("mcpgateway: %s: call %q on %q: %w", op, tool, g.name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := strings.TrimSpace(sb.String())

	if res.IsError {
		if strings.Contains(strings.ToLower(text), "not found") {
			return fmt.Errorf("mcpgateway: %s: %w: %s", op, gateway.ErrNotFound, text)
		}
		return fmt.Errorf("mcpgateway: %s: server error: %s", op, text)
	}
	if out == nil || text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("mcpgateway: %s: decode result: %w", op, err)
	}
	return nil
}

func toArgs(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Wire shapes. Times are RFC 3339.

type rangeArgs struct {
	CalendarID string    `json:"calendar_id"`
	TimeMin    time.Time `json:"time_min,omitzero"`
	TimeMax    time.Time `json:"time_max,omitzero"`
	Query      string    `json:"q,omitempty"`
}

type createEventArgs struct {
	CalendarID string `json:"calendar_id"`
	gateway.EventFields
	gateway.CreateOptions
}

type updateEventArgs struct {
	CalendarID string `json:"calendar_id"`
	ID         string `json:"id"`
	gateway.EventPatch
}

type idArgs struct {
	CalendarID string `json:"calendar_id,omitempty"`
	ID         string `json:"id"`
}

type updateTaskArgs struct {
	ID string `json:"id"`
	gateway.TaskPatch
}

type eventList struct {
	Events []gateway.Event `json:"events"`
}

type taskList struct {
	Tasks []gateway.Task `json:"tasks"`
}

// ListEvents implements [gateway.Gateway].
func (g *Gateway) ListEvents(ctx context.Context, creds gateway.Credentials, calendarID string, timeMin, timeMax time.Time) ([]gateway.Event, error) {
	var out eventList
	args := rangeArgs{CalendarID: gateway.CalendarOrPrimary(calendarID), TimeMin: timeMin, TimeMax: timeMax}
	if err := g.call(ctx, OpListEvents, creds, args, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// GetEvent implements [gateway.Gateway].
func (g *Gateway) GetEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string) (*gateway.Event, error) {
	var ev gateway.Event
	if err := g.call(ctx, OpGetEvent, creds, idArgs{CalendarID: gateway.CalendarOrPrimary(calendarID), ID: id}, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// SearchEvents implements [gateway.Gateway].
func (g *Gateway) SearchEvents(ctx context.Context, creds gateway.Credentials, calendarID, text string, timeMin, timeMax time.Time) ([]gateway.Event, error) {
	var out eventList
	args := rangeArgs{CalendarID: gateway.CalendarOrPrimary(calendarID), TimeMin: timeMin, TimeMax: timeMax, Query: text}
	if err := g.call(ctx, OpSearchEvents, creds, args, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// CreateEvent implements [gateway.Gateway].
func (g *Gateway) CreateEvent(ctx context.Context, creds gateway.Credentials, calendarID string, fields gateway.EventFields, opts gateway.CreateOptions) (*gateway.Event, error) {
	var ev gateway.Event
	args := createEventArgs{CalendarID: gateway.CalendarOrPrimary(calendarID), EventFields: fields, CreateOptions: opts}
	if err := g.call(ctx, OpCreateEvent, creds, args, &ev); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("mcpgateway: %s: server returned no event id", OpCreateEvent)
	}
	return &ev, nil
}

// UpdateEvent implements [gateway.Gateway].
func (g *Gateway) UpdateEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string, patch gateway.EventPatch) (*gateway.Event, error) {
	var ev gateway.Event
	args := updateEventArgs{CalendarID: gateway.CalendarOrPrimary(calendarID), ID: id, EventPatch: patch}
	if err := g.call(ctx, OpUpdateEvent, creds, args, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DeleteEvent implements [gateway.Gateway].
func (g *Gateway) DeleteEvent(ctx context.Context, creds gateway.Credentials, calendarID, id string) error {
	return g.call(ctx, OpDeleteEvent, creds, idArgs{CalendarID: gateway.CalendarOrPrimary(calendarID), ID: id}, nil)
}

// ListTasks implements [gateway.Gateway].
func (g *Gateway) ListTasks(ctx context.Context, creds gateway.Credentials) ([]gateway.Task, error) {
	var out taskList
	if err := g.call(ctx, OpListTasks, creds, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CreateTask implements [gateway.Gateway].
func (g *Gateway) CreateTask(ctx context.Context, creds gateway.Credentials, fields gateway.TaskFields) (*gateway.Task, error) {
	var task gateway.Task
	if err := g.call(ctx, OpCreateTask, creds, fields, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask implements [gateway.Gateway].
func (g *Gateway) UpdateTask(ctx context.Context, creds gateway.Credentials, id string, patch gateway.TaskPatch) (*gateway.Task, error) {
	var task gateway.Task
	if err := g.call(ctx, OpUpdateTask, creds, updateTaskArgs{ID: id, TaskPatch: patch}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask implements [gateway.Gateway].
func (g *Gateway) DeleteTask(ctx context.Context, creds gateway.Credentials, id string) error {
	return g.call(ctx, OpDeleteTask, creds, idArgs{ID: id}, nil)
}
