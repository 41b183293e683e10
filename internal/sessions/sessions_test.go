package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/internal/mcpgw"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
)

type fakeChannel struct {
	tools  []string
	closed atomic.Bool
}

func (f *fakeChannel) ListTools(context.Context) ([]models.MCPToolInfo, error) {
	out := make([]models.MCPToolInfo, len(f.tools))
	for i, n := range f.tools {
		out[i] = models.MCPToolInfo{Name: n, Description: "desc of " + n}
	}
	return out, nil
}

func (f *fakeChannel) CallTool(_ context.Context, name string, _ map[string]interface{}) (string, error) {
	return "called " + name, nil
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

// dialRecorder hands out channels exposing a tool named after the agent.
type dialRecorder struct {
	mu     sync.Mutex
	opened map[string]*fakeChannel
}

func (d *dialRecorder) dial(_ context.Context, spec config.AgentSpec) (contracts.Channel, error) {
	ch := &fakeChannel{tools: []string{spec.Name}}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened == nil {
		d.opened = map[string]*fakeChannel{}
	}
	d.opened[spec.Name] = ch
	return ch, nil
}

func specs(names ...string) []config.AgentSpec {
	out := make([]config.AgentSpec, len(names))
	for i, n := range names {
		out[i] = config.AgentSpec{Name: n, Transport: "fake"}
	}
	return out
}

func TestRegistry_ConnectAllAndRoute(t *testing.T) {
	d := &dialRecorder{}
	r := NewRegistry(WithDialer("fake", d.dial))

	if err := r.ConnectAll(context.Background(), specs("product_agent", "comparing_agent", "demand_agent")); err != nil {
		t.Fatalf("ConnectAll() error = %v", err)
	}

	ch, ok := r.Route("product_agent")
	if !ok {
		t.Fatal("Route(product_agent) found nothing")
	}
	out, err := ch.CallTool(context.Background(), "product_agent", nil)
	if err != nil || out != "called product_agent" {
		t.Errorf("CallTool() = %q, %v", out, err)
	}

	for _, miss := range []string{"Product_Agent", "product", "product_agent "} {
		if _, ok := r.Route(miss); ok {
			t.Errorf("Route(%q) matched, want exact-name routing only", miss)
		}
	}

	info := r.Info()
	if len(info) != 3 || info[0].Description != "desc of product_agent" || info[0].Transport != "fake" {
		t.Errorf("Info() = %+v", info)
	}
	if got := r.Names(); len(got) != 3 || got[2] != "demand_agent" {
		t.Errorf("Names() = %v, want spec order", got)
	}

	if _, err := r.Connect(context.Background(), specs("late_agent")[0]); !errors.Is(err, ErrSealed) {
		t.Errorf("Connect() after ConnectAll error = %v, want ErrSealed", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for name, ch := range d.opened {
		if !ch.closed.Load() {
			t.Errorf("Close() did not close the %s channel", name)
		}
	}
}

func TestRegistry_ConnectAllFailureClosesOpened(t *testing.T) {
	good := &fakeChannel{tools: []string{"demand_agent"}}
	bad := &fakeChannel{tools: []string{"other"}}
	r := NewRegistry(WithDialer("fake", func(_ context.Context, spec config.AgentSpec) (contracts.Channel, error) {
		if spec.Name == "demand_agent" {
			return good, nil
		}
		return bad, nil
	}))

	err := r.ConnectAll(context.Background(), specs("demand_agent", "eligibility_agent"))
	if err == nil {
		t.Fatal("ConnectAll() should fail when an agent lacks its own tool")
	}
	if !good.closed.Load() || !bad.closed.Load() {
		t.Errorf("closed = (%v, %v), want both channels closed", good.closed.Load(), bad.closed.Load())
	}
	if len(r.Names()) != 0 {
		t.Errorf("Names() = %v after failed ConnectAll, want empty", r.Names())
	}
}

func TestRegistry_UnknownTransport(t *testing.T) {
	r := NewRegistry()
	_, err := r.Connect(context.Background(), config.AgentSpec{Name: "x", Transport: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("Connect() error = %v, want ErrUnknownTransport", err)
	}
}

func TestRegistry_HTTPTransport(t *testing.T) {
	tb := executor.MustToolbox(executor.Tool{
		Descriptor: models.ToolDescriptor{Name: "demand_agent", Description: "needs analysis"},
		Handler: func(context.Context, json.RawMessage) (interface{}, error) {
			return map[string]string{"identity_type": "學生"}, nil
		},
	})
	srv := httptest.NewServer(mcpgw.NewHTTPHandler(mcpgw.NewGateway("demand_agent", "test", tb)))
	defer srv.Close()

	r := NewRegistry()
	defer r.Close()
	s, err := r.Connect(context.Background(), config.AgentSpec{Name: "demand_agent", Transport: "http", URL: srv.URL})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.Tool.Description != "needs analysis" {
		t.Errorf("Tool.Description = %q, want %q", s.Tool.Description, "needs analysis")
	}

	out, err := s.CallTool(context.Background(), "demand_agent", map[string]interface{}{"user_input": "我是學生"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out != `{"identity_type":"學生"}` {
		t.Errorf("CallTool() = %s", out)
	}
}
