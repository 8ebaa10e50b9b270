package storage

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:", true)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProvider(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	id, err := s.CreateProvider(context.Background(), Provider{
		Name:       name,
		Kind:       "openai_compat",
		BaseURL:    "https://api.openai.com/v1",
		ConfigJSON: "{}",
	})
	if err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return id
}

func seedAgent(t *testing.T, s *Store, name string, providerID int64) int64 {
	t.Helper()
	id, err := s.CreateAgent(context.Background(), Agent{
		Name:        name,
		ProviderID:  providerID,
		Model:       "gpt-4",
		MaxTokens:   1024,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return id
}

func TestProviderCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := `{"key_id":"k1","nonce":"bm8=","ciphertext":"Y3Q="}`
	id, err := s.CreateProvider(ctx, Provider{Name: "openai", Kind: "openai_compat", BaseURL: "https://api.openai.com/v1", EncAPIKey: &key})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero provider id")
	}

	if _, err := s.CreateProvider(ctx, Provider{Name: "openai", Kind: "openai_compat"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}

	p, err := s.GetProviderByName(ctx, "openai")
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if p.Kind != "openai_compat" || p.EncAPIKey == nil || *p.EncAPIKey != key {
		t.Fatalf("unexpected provider row: %+v", p)
	}

	p.BaseURL = "https://proxy.internal/v1"
	p.EncAPIKey = nil
	if err := s.UpdateProvider(ctx, p); err != nil {
		t.Fatalf("update provider: %v", err)
	}
	p2, err := s.GetProviderByName(ctx, "openai")
	if err != nil {
		t.Fatalf("reload provider: %v", err)
	}
	if p2.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("base url not updated: %q", p2.BaseURL)
	}
	if p2.EncAPIKey == nil || *p2.EncAPIKey != key {
		t.Fatal("nil EncAPIKey on update must keep the stored key")
	}

	all, err := s.ListProviders(ctx)
	if err != nil {
		t.Fatalf("list providers: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(all))
	}

	if err := s.DeleteProviderByName(ctx, "openai"); err != nil {
		t.Fatalf("delete provider: %v", err)
	}
	if err := s.DeleteProviderByName(ctx, "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProviderDeleteBlockedWhileReferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := seedProvider(t, s, "local")
	seedAgent(t, s, "helper", pid)

	if err := s.DeleteProviderByName(ctx, "local"); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if err := s.DeleteAgentByName(ctx, "helper"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if err := s.DeleteProviderByName(ctx, "local"); err != nil {
		t.Fatalf("delete provider after agent removed: %v", err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := seedProvider(t, s, "openai")
	seedAgent(t, s, "researcher", pid)

	a, err := s.GetAgentByName(ctx, "researcher")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Provider.Name != "openai" || a.Provider.Kind != "openai_compat" {
		t.Fatalf("agent join missing provider: %+v", a.Provider)
	}

	a.Model = "gpt-4o"
	a.SystemPrompt = "You are terse."
	if err := s.UpdateAgent(ctx, a.Agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	a2, err := s.GetAgentByName(ctx, "researcher")
	if err != nil {
		t.Fatalf("reload agent: %v", err)
	}
	if a2.Model != "gpt-4o" || a2.SystemPrompt != "You are terse." {
		t.Fatalf("agent update lost: %+v", a2.Agent)
	}

	seedAgent(t, s, "writer", pid)
	if err := s.RenameAgent(ctx, "researcher", "writer"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected rename conflict, got %v", err)
	}
	if err := s.RenameAgent(ctx, "researcher", "analyst"); err != nil {
		t.Fatalf("rename agent: %v", err)
	}
	if _, err := s.GetAgentByName(ctx, "researcher"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old name should be gone, got %v", err)
	}

	conv, err := s.EnsureConversation(ctx, a.ID, "default")
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	if err := s.DeleteAgentByName(ctx, "analyst"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conversation should cascade with agent, got %v", err)
	}
}

func TestAgentCommandToggles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SyncCommands(ctx, []Command{
		{Name: "get_datetime", Description: "Current date and time", EnabledDefault: true},
		{Name: "http_request", Description: "Fetch a URL"},
		{Name: "json_query", Description: "Extract a JSON path"},
	}); err != nil {
		t.Fatalf("sync commands: %v", err)
	}

	pid := seedProvider(t, s, "openai")
	aid := seedAgent(t, s, "ops", pid)

	toggles, err := s.ListAgentCommands(ctx, aid)
	if err != nil {
		t.Fatalf("list agent commands: %v", err)
	}
	if len(toggles) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(toggles))
	}
	byName := map[string]bool{}
	for _, tg := range toggles {
		byName[tg.Name] = tg.Enabled
	}
	if !byName["get_datetime"] || byName["http_request"] {
		t.Fatalf("defaults not honored: %v", byName)
	}

	if err := s.SetAgentCommand(ctx, aid, "http_request", true); err != nil {
		t.Fatalf("enable command: %v", err)
	}
	on, err := s.AgentCommandEnabled(ctx, aid, "http_request")
	if err != nil || !on {
		t.Fatalf("expected http_request enabled, got %v %v", on, err)
	}

	if err := s.SetAgentCommand(ctx, aid, "no_such_command", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown command, got %v", err)
	}

	if err := s.SetAllAgentCommands(ctx, aid, false); err != nil {
		t.Fatalf("disable all: %v", err)
	}
	toggles, err = s.ListAgentCommands(ctx, aid)
	if err != nil {
		t.Fatalf("list after disable all: %v", err)
	}
	for _, tg := range toggles {
		if tg.Enabled {
			t.Fatalf("command %s still enabled after wildcard disable", tg.Name)
		}
	}

	if _, err := s.AgentCommandEnabled(ctx, aid, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChainStepNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := seedProvider(t, s, "openai")
	aid := seedAgent(t, s, "runner", pid)

	chainID, err := s.CreateChain(ctx, "research", "")
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	byID, err := s.GetChainByID(ctx, chainID)
	if err != nil || byID.Name != "research" {
		t.Fatalf("get chain by id: %v (%+v)", err, byID)
	}

	add := func(pos int, target string) {
		t.Helper()
		if err := s.AddChainStep(ctx, ChainStep{
			ChainID:    chainID,
			StepNumber: pos,
			AgentID:    &aid,
			StepType:   StepTypePrompt,
			Target:     target,
		}); err != nil {
			t.Fatalf("add step %s: %v", target, err)
		}
	}
	targets := func() []string {
		t.Helper()
		steps, err := s.ListChainSteps(ctx, chainID)
		if err != nil {
			t.Fatalf("list steps: %v", err)
		}
		out := make([]string, 0, len(steps))
		for i, st := range steps {
			if st.StepNumber != i+1 {
				t.Fatalf("steps not dense: %+v", steps)
			}
			out = append(out, st.Target)
		}
		return out
	}

	add(1, "a")
	add(2, "b")
	add(3, "c")
	add(2, "inserted")

	got := targets()
	want := []string{"a", "inserted", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after insert, want %v got %v", want, got)
		}
	}

	if err := s.MoveChainStep(ctx, chainID, 4, 1); err != nil {
		t.Fatalf("move step: %v", err)
	}
	got = targets()
	want = []string{"c", "a", "inserted", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after move, want %v got %v", want, got)
		}
	}

	if err := s.DeleteChainStep(ctx, chainID, 2); err != nil {
		t.Fatalf("delete step: %v", err)
	}
	got = targets()
	want = []string{"c", "inserted", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after delete, want %v got %v", want, got)
		}
	}

	if err := s.MoveChainStep(ctx, chainID, 9, 1); !errors.Is(err, ErrStepRange) {
		t.Fatalf("expected ErrStepRange, got %v", err)
	}
	if err := s.DeleteChainStep(ctx, chainID, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	detail, err := s.GetChainDetail(ctx, "research")
	if err != nil {
		t.Fatalf("chain detail: %v", err)
	}
	if len(detail.Steps) != 3 || detail.Steps[0].AgentName != "runner" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestPromptEnsureKeepsEdits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := Prompt{Name: "Chat", Content: "{user_input}", Description: "default chat template"}
	if err := s.EnsurePrompt(ctx, seed); err != nil {
		t.Fatalf("ensure prompt: %v", err)
	}
	if err := s.UpdatePrompt(ctx, "Chat", "", "Answer briefly: {user_input}", "edited"); err != nil {
		t.Fatalf("update prompt: %v", err)
	}
	if err := s.EnsurePrompt(ctx, seed); err != nil {
		t.Fatalf("re-ensure prompt: %v", err)
	}

	p, err := s.GetPromptByName(ctx, "Chat")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if p.Content != "Answer briefly: {user_input}" {
		t.Fatalf("ensure clobbered operator edit: %q", p.Content)
	}

	if _, err := s.CreatePrompt(ctx, seed); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestConversationMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := seedProvider(t, s, "openai")
	aid := seedAgent(t, s, "chatty", pid)

	c1, err := s.EnsureConversation(ctx, aid, "default")
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	c2, err := s.EnsureConversation(ctx, aid, "default")
	if err != nil {
		t.Fatalf("re-ensure conversation: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("ensure created a second conversation: %s vs %s", c1.ID, c2.ID)
	}

	for _, m := range []Message{
		{ConversationID: c1.ID, Role: RoleUser, Content: "hello", Tokens: 1},
		{ConversationID: c1.ID, Role: RoleAssistant, Content: "hi there", Tokens: 2},
	} {
		if _, err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, c1.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if err := s.DeleteConversation(ctx, c1.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	msgs, err = s.ListMessages(ctx, c1.ID)
	if err != nil {
		t.Fatalf("list messages after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages should cascade with conversation, got %d", len(msgs))
	}
}

func TestRunStateTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := seedProvider(t, s, "openai")
	aid := seedAgent(t, s, "tasker", pid)

	r, err := s.CreateRun(ctx, Run{Kind: RunKindTask, AgentID: &aid, Input: "summarize the report"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if r.State != RunStatePending {
		t.Fatalf("new run state = %q", r.State)
	}

	if err := s.MarkRunRunning(ctx, r.ID); err != nil {
		t.Fatalf("claim run: %v", err)
	}
	if err := s.MarkRunRunning(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second claim should fail, got %v", err)
	}

	if err := s.UpsertRunStep(ctx, RunStep{RunID: r.ID, StepNumber: 1, Name: "iteration 1", State: RunStateCompleted, Output: "done"}); err != nil {
		t.Fatalf("upsert run step: %v", err)
	}
	steps, err := s.ListRunSteps(ctx, r.ID)
	if err != nil || len(steps) != 1 {
		t.Fatalf("list run steps: %v (%d)", err, len(steps))
	}

	if err := s.FinishRun(ctx, r.ID, RunStateCompleted, "all done", ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := s.CancelRun(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel after finish should fail, got %v", err)
	}

	r2, err := s.CreateRun(ctx, Run{Kind: RunKindTask, AgentID: &aid, Input: "second"})
	if err != nil {
		t.Fatalf("create second run: %v", err)
	}
	if err := s.CancelRun(ctx, r2.ID); err != nil {
		t.Fatalf("cancel pending run: %v", err)
	}
	if err := s.MarkRunRunning(ctx, r2.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim of cancelled run should fail, got %v", err)
	}

	latest, err := s.LatestRunForAgent(ctx, aid, RunKindTask)
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if latest.ID != r2.ID {
		t.Fatalf("latest run = %s, want %s", latest.ID, r2.ID)
	}
}

func TestRunRequeueForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := seedProvider(t, s, "openai")
	aid := seedAgent(t, s, "tasker", pid)

	r, err := s.CreateRun(ctx, Run{Kind: RunKindTask, AgentID: &aid, Input: "flaky work"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.MarkRunRunning(ctx, r.ID); err != nil {
		t.Fatalf("claim run: %v", err)
	}
	if err := s.RequeueRun(ctx, r.ID); err != nil {
		t.Fatalf("requeue run: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != RunStatePending || got.StartedAt != nil {
		t.Fatalf("expected pending run with cleared start, got state=%q started=%v", got.State, got.StartedAt)
	}

	// The next attempt can claim it again; a requeue of a pending run fails.
	if err := s.RequeueRun(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("requeue of pending run should fail, got %v", err)
	}
	if err := s.MarkRunRunning(ctx, r.ID); err != nil {
		t.Fatalf("reclaim run: %v", err)
	}
}

func TestAuditLogCoercesInvalidJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LogAction(ctx, AuditEntry{Actor: "api", Action: "agent.create", Entity: "researcher", DetailJSON: "not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}

	var detail string
	if err := s.DB().QueryRowContext(ctx, "SELECT detail_json FROM audit_log LIMIT 1").Scan(&detail); err != nil {
		t.Fatalf("read audit row: %v", err)
	}
	if detail != "{}" {
		t.Fatalf("expected coerced detail, got %q", detail)
	}
}
