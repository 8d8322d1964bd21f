package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// fakeTransport scripts JSON-RPC responses by method.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	results    map[string]json.RawMessage
	errs       map[string]error
	calls      []string
	notifies   []string
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if result, ok := f.results[method]; ok {
		return result, nil
	}
	return nil, errors.New("MCP error -32601: method not found")
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	f.notifies = append(f.notifies, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

var initResult = json.RawMessage(`{
	"protocolVersion": "2024-11-05",
	"capabilities": {},
	"serverInfo": {"name": "test-server", "version": "1.2.3"}
}`)

func catalogJSON(names ...string) json.RawMessage {
	var tools []Tool
	for _, name := range names {
		tools = append(tools, Tool{Name: name, Description: name, InputSchema: json.RawMessage(`{}`)})
	}
	data, _ := json.Marshal(ListToolsResult{Tools: tools})
	return data
}

func TestClientConnectHandshake(t *testing.T) {
	ft := &fakeTransport{
		results: map[string]json.RawMessage{
			"initialize": initResult,
			"tools/list": catalogJSON("search", "fetch"),
			"resources/list": json.RawMessage(`{
				"resources": [{"uri": "file:///data/readme", "name": "readme"}]
			}`),
		},
	}
	c := newClientWithTransport(ServerConfig{Name: "test"}, ft, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.ServerInfo().Name; got != "test-server" {
		t.Errorf("ServerInfo.Name = %q", got)
	}
	if len(ft.notifies) != 1 || ft.notifies[0] != "notifications/initialized" {
		t.Errorf("notifies = %v, want initialized notification", ft.notifies)
	}
	if got := len(c.Tools()); got != 2 {
		t.Errorf("cached tools = %d, want 2", got)
	}
	if got := len(c.Resources()); got != 1 {
		t.Errorf("cached resources = %d, want 1", got)
	}
}

func TestClientConnectInitializeFailureClosesTransport(t *testing.T) {
	ft := &fakeTransport{
		errs: map[string]error{"initialize": errors.New("unsupported protocol")},
	}
	c := newClientWithTransport(ServerConfig{Name: "test"}, ft, nil)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded, want handshake error")
	}
	if ft.Connected() {
		t.Error("transport left open after failed handshake")
	}
}

func TestClientToleratesMissingListMethods(t *testing.T) {
	ft := &fakeTransport{
		results: map[string]json.RawMessage{"initialize": initResult},
	}
	c := newClientWithTransport(ServerConfig{Name: "test"}, ft, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := len(c.Tools()); got != 0 {
		t.Errorf("tools = %d, want 0", got)
	}
}

func TestFilterTools(t *testing.T) {
	catalog := []Tool{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	tests := []struct {
		name    string
		allowed []string
		denied  []string
		want    []string
	}{
		{"no filters", nil, nil, []string{"a", "b", "c"}},
		{"allow list only", []string{"a", "c"}, nil, []string{"a", "c"}},
		{"deny list only", nil, []string{"b"}, []string{"a", "c"}},
		{"deny wins on overlap", []string{"a", "b"}, []string{"b"}, []string{"a"}},
		{"allow all denied", []string{"b"}, []string{"b"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterTools(catalog, tt.allowed, tt.denied)
			var names []string
			for _, tool := range got {
				names = append(names, tool.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("filterTools = %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("filterTools = %v, want %v", names, tt.want)
					break
				}
			}
		})
	}
}

func TestClientCallTool(t *testing.T) {
	ft := &fakeTransport{
		results: map[string]json.RawMessage{
			"initialize": initResult,
			"tools/list": catalogJSON("search"),
			"tools/call": json.RawMessage(`{"content":[{"type":"text","text":"42 results"}]}`),
		},
	}
	c := newClientWithTransport(ServerConfig{Name: "test"}, ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := c.CallTool(context.Background(), "search", json.RawMessage(`{"q":"go"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "42 results" {
		t.Errorf("result text = %q", got)
	}
}

func TestClientFiltersAppliedOnRefresh(t *testing.T) {
	ft := &fakeTransport{
		results: map[string]json.RawMessage{
			"initialize": initResult,
			"tools/list": catalogJSON("search", "delete_everything", "fetch"),
		},
	}
	cfg := ServerConfig{
		Name:         "test",
		AllowedTools: []string{"search", "delete_everything"},
		DeniedTools:  []string{"delete_everything"},
	}
	c := newClientWithTransport(cfg, ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	catalog := c.Tools()
	if len(catalog) != 1 || catalog[0].Name != "search" {
		t.Errorf("filtered catalog = %+v, want only search", catalog)
	}
}
