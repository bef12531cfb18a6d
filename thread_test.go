package relay

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestThreadAppendAndSnapshotCopy(t *testing.T) {
	th := NewThread(WithDisplayName("chat"))
	th.AddMessage(UserMessage("one"))
	th.AddMessages([]Message{AssistantMessage("two"), UserMessage("three")})

	if th.MessageCount() != 3 {
		t.Fatalf("MessageCount = %d, want 3", th.MessageCount())
	}

	msgs := th.Messages()
	th.AddMessage(UserMessage("four"))
	if len(msgs) != 3 {
		t.Error("Messages returned a live view, want a point-in-time copy")
	}
}

func TestThreadMiddlewareState(t *testing.T) {
	th := NewThread()
	th.SetMiddlewareState("memory", map[string]int{"facts": 3})

	v, ok := th.GetMiddlewareState("memory")
	if !ok {
		t.Fatal("middleware state missing")
	}
	if m, ok := v.(map[string]int); !ok || m["facts"] != 3 {
		t.Errorf("state = %#v", v)
	}
	if _, ok := th.GetMiddlewareState("ghost"); ok {
		t.Error("unexpected state for unknown key")
	}
}

func TestThreadBranches(t *testing.T) {
	th := NewThread()
	if th.ActiveBranch() != DefaultBranch {
		t.Errorf("ActiveBranch = %q, want %q", th.ActiveBranch(), DefaultBranch)
	}
	if !th.TryAddBranch("experiment", "cp-1") {
		t.Fatal("first TryAddBranch failed")
	}
	if th.TryAddBranch("experiment", "cp-2") {
		t.Fatal("duplicate TryAddBranch succeeded")
	}
	if got := th.Branches()["experiment"]; got != "cp-1" {
		t.Errorf("branch pointer = %q, want cp-1", got)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	th := NewThread(WithThreadID("conv-1"), WithDisplayName("support"))
	th.AddMessage(UserMessage("hello"))
	th.AddMessage(AssistantMessage("hi there"))
	th.TryAddBranch("alt", "cp-9")
	th.SetMiddlewareState("pii", "redactions=2")

	data, err := th.ToSnapshot().Serialize()
	if err != nil {
		t.Fatal(err)
	}
	snap, err := DeserializeSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	restored := FromSnapshot(snap)

	if restored.ConversationID() != "conv-1" {
		t.Errorf("ConversationID = %q", restored.ConversationID())
	}
	if restored.DisplayName() != "support" {
		t.Errorf("DisplayName = %q", restored.DisplayName())
	}
	if restored.ActiveBranch() != DefaultBranch {
		t.Errorf("ActiveBranch = %q", restored.ActiveBranch())
	}
	if restored.MessageCount() != 2 {
		t.Errorf("MessageCount = %d", restored.MessageCount())
	}
	if got := restored.Branches()["alt"]; got != "cp-9" {
		t.Errorf("branch = %q", got)
	}
	v, ok := restored.GetMiddlewareState("pii")
	if !ok {
		t.Fatal("middleware state lost in roundtrip")
	}
	var s string
	if err := json.Unmarshal(v.(json.RawMessage), &s); err != nil || s != "redactions=2" {
		t.Errorf("middleware state = %v (%v)", v, err)
	}
}

func TestSnapshotPurity(t *testing.T) {
	th := NewThread()
	th.AddMessage(UserMessage("hi"))
	th.setExecutionState(newLoopState("run-1", th.ConversationID(), "a", th.Messages(), ChatOptions{}))

	data, err := th.ToSnapshot().Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "execution_state") {
		t.Error("snapshot JSON leaks execution state")
	}
	if strings.Contains(string(data), "run-1") {
		t.Error("snapshot JSON contains run state content")
	}
}

func TestExecutionCheckpointRequiresState(t *testing.T) {
	th := NewThread()
	if _, err := th.ToExecutionCheckpoint(); err != ErrNoExecutionState {
		t.Fatalf("ToExecutionCheckpoint = %v, want ErrNoExecutionState", err)
	}
}

func TestExecutionCheckpointRoundtrip(t *testing.T) {
	th := NewThread(WithThreadID("conv-2"))
	th.AddMessage(UserMessage("hello"))

	state := newLoopState("run-7", "conv-2", "agent", th.Messages(), ChatOptions{Model: "m1"})
	state = state.NextIteration(th.Messages())
	state = state.withConsecutiveErrors(2)
	state.middleware["memory"] = map[string]any{"facts": 3.0}
	th.setExecutionState(state)

	cp, err := th.ToExecutionCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	data, err := cp.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DeserializeCheckpoint(data)
	if err != nil {
		t.Fatal(err)
	}
	restored := FromExecutionCheckpoint(decoded)

	if restored.ConversationID() != "conv-2" {
		t.Errorf("ConversationID = %q", restored.ConversationID())
	}
	if !restored.HasExecutionState() {
		t.Fatal("execution state lost in roundtrip")
	}
	rs := restored.execState
	if rs.RunID != "run-7" || rs.Iteration != 1 || rs.ConsecutiveErrors != 2 {
		t.Errorf("loop state = run %q iter %d errs %d", rs.RunID, rs.Iteration, rs.ConsecutiveErrors)
	}
	if rs.Options.Model != "m1" {
		t.Errorf("options model = %q", rs.Options.Model)
	}
	if rs.MiddlewareValue("memory") == nil {
		t.Error("middleware loop state lost in roundtrip")
	}
}

func TestCheckpointLargerThanSnapshot(t *testing.T) {
	th := NewThread()
	for i := 0; i < 5; i++ {
		th.AddMessage(UserMessage("the quick brown fox jumps over the lazy dog"))
		th.AddMessage(AssistantMessage("and the dog, in fairness, had seen it coming"))
	}
	th.setExecutionState(newLoopState("run-1", th.ConversationID(), "a", th.Messages(), ChatOptions{Model: "m"}))

	snapData, err := th.ToSnapshot().Serialize()
	if err != nil {
		t.Fatal(err)
	}
	cp, err := th.ToExecutionCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	cpData, err := cp.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if len(cpData)*2 < len(snapData)*3 {
		t.Errorf("checkpoint %d bytes, snapshot %d bytes: want checkpoint >= 1.5x snapshot", len(cpData), len(snapData))
	}
}
