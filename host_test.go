package relay

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/relay/internal/config"
)

func TestHostAppliesConfigLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxIterations = 4
	cfg.Engine.MaxConsecutiveErrors = 1
	cfg.Engine.ResponseTimeoutSeconds = 30

	host, err := NewHostFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	agent := host.NewAgent("a", "test", newScriptedProvider(textScript("hi")))
	if agent.maxIterations != 4 {
		t.Errorf("maxIterations = %d", agent.maxIterations)
	}
	if agent.maxConsecutiveErrors != 1 {
		t.Errorf("maxConsecutiveErrors = %d", agent.maxConsecutiveErrors)
	}
	if agent.responseTimeout != 30*time.Second {
		t.Errorf("responseTimeout = %v", agent.responseTimeout)
	}
}

func TestHostRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "redis"
	if _, err := NewHostFromConfig(cfg); err == nil {
		t.Error("invalid config accepted")
	}
}

func TestHostSharesToolsWithAgents(t *testing.T) {
	host := NewHost()
	host.RegisterTool(addTool())

	provider := newScriptedProvider(
		toolCallScript("c1", "add", `{"a":1,"b":2}`),
		textScript("3"),
	)
	agent := host.NewAgent("calc", "Calculator", provider)

	run, err := agent.Run(context.Background(), NewThread(), []Message{UserMessage("1+2?")})
	if err != nil {
		t.Fatal(err)
	}
	events := drainRun(t, run)

	results := eventsOfType(events, EventToolCallResult)
	if len(results) != 1 || string(results[0].Result) != "3" {
		t.Fatalf("host-registered tool result = %+v", results)
	}
}

func TestHostBrancher(t *testing.T) {
	store := newMemStore()
	host := NewHost(WithHostStore(store))
	b := host.Brancher()

	source := NewThread()
	source.AddMessage(UserMessage("hello"))
	fork, err := b.Fork(context.Background(), source, "alt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if fork.ActiveBranch() != "alt" {
		t.Errorf("fork branch = %q", fork.ActiveBranch())
	}
}
