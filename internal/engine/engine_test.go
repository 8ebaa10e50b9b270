package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agentmux/internal/policy"
	"agentmux/internal/providers"
	"agentmux/internal/providers/registry"
	"agentmux/internal/queue"
	"agentmux/internal/storage"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []providers.ChatRequest
	reply func(req providers.ChatRequest) (string, error)
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.reply == nil {
		return providers.ChatResponse{Text: "ok"}, nil
	}
	text, err := f.reply(req)
	return providers.ChatResponse{Text: text}, err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) call(i int) providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", ":memory:", true)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, s *storage.Store, fake *fakeProvider) *Engine {
	t.Helper()
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("compile default policy: %v", err)
	}
	return New(Config{
		Store:             s,
		Policy:            pol,
		Logger:            zerolog.Nop(),
		TaskMaxIterations: 3,
		ChainMaxDepth:     2,
		BuildProvider: func(registry.BuildOptions) (providers.Provider, error) {
			return fake, nil
		},
	})
}

func seedAgent(t *testing.T, s *storage.Store) storage.AgentWithProvider {
	t.Helper()
	ctx := context.Background()
	pid, err := s.CreateProvider(ctx, storage.Provider{
		Name:    "openai",
		Kind:    "openai_compat",
		BaseURL: "https://api.openai.com/v1",
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if _, err := s.CreateAgent(ctx, storage.Agent{
		Name:         "helper",
		ProviderID:   pid,
		Model:        "gpt-4",
		SystemPrompt: "You are helpful.",
		MaxTokens:    256,
		Temperature:  0.2,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	ap, err := s.GetAgentByName(ctx, "helper")
	if err != nil {
		t.Fatalf("load agent: %v", err)
	}
	return ap
}

func TestChatPersistsMessagesAndThreadsHistory(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{reply: func(req providers.ChatRequest) (string, error) {
		return "echo: " + req.UserPrompt, nil
	}}
	e := newTestEngine(t, s, fake)
	seedAgent(t, s)
	ctx := context.Background()

	res, err := e.Chat(ctx, "helper", "", "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Reply != "echo: hello" {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	if res.ConversationID == "" {
		t.Fatal("chat returned no conversation id")
	}

	msgs, err := s.ListMessages(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Content != "hello" {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Role != storage.RoleAssistant || msgs[1].Content != "echo: hello" {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}

	first := fake.call(0)
	if first.Model != "gpt-4" || first.SystemPrompt != "You are helpful." {
		t.Fatalf("agent settings not forwarded: %+v", first)
	}
	if len(first.History) != 0 {
		t.Fatalf("fresh conversation should have no history, got %d turns", len(first.History))
	}

	if _, err := e.Chat(ctx, "helper", "default", "again"); err != nil {
		t.Fatalf("second chat: %v", err)
	}
	second := fake.call(1)
	if len(second.History) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(second.History))
	}
	if second.History[0].Role != providers.RoleUser || second.History[0].Content != "hello" {
		t.Fatalf("unexpected history head %+v", second.History[0])
	}
	if second.History[1].Role != providers.RoleAssistant {
		t.Fatalf("unexpected history tail %+v", second.History[1])
	}
}

func TestChatHistoryRespectsTokenBudget(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{}
	seedAgent(t, s)
	ctx := context.Background()

	// A one-token budget leaves no room for history once the system
	// prompt and the pending input are subtracted.
	tight := New(Config{
		Store:            s,
		Logger:           zerolog.Nop(),
		MaxContextTokens: 1,
		BuildProvider: func(registry.BuildOptions) (providers.Provider, error) {
			return fake, nil
		},
	})

	if _, err := tight.Chat(ctx, "helper", "budget", "first message"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := tight.Chat(ctx, "helper", "budget", "second message"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := fake.call(1).History; len(got) != 0 {
		t.Fatalf("tight budget should drop all history, got %d turns", len(got))
	}
}

func TestInstructRendersInstructionTemplate(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{reply: func(req providers.ChatRequest) (string, error) {
		return req.UserPrompt, nil
	}}
	e := newTestEngine(t, s, fake)
	seedAgent(t, s)

	out, err := e.Instruct(context.Background(), "helper", "add 2+2")
	if err != nil {
		t.Fatalf("instruct: %v", err)
	}
	if !strings.Contains(out, "You are helper.") {
		t.Fatalf("agent name not substituted: %q", out)
	}
	if !strings.Contains(out, "Instruction: add 2+2") {
		t.Fatalf("instruction not substituted: %q", out)
	}

	msgs, err := s.ListMessages(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("instruct must not persist conversation state")
	}
}

func TestRunPromptFallsBackToSeedTemplates(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{reply: func(req providers.ChatRequest) (string, error) {
		return req.UserPrompt, nil
	}}
	e := newTestEngine(t, s, fake)
	seedAgent(t, s)
	ctx := context.Background()

	out, err := e.RunPrompt(ctx, "helper", "Summarize", map[string]string{"text": "a long story"})
	if err != nil {
		t.Fatalf("run prompt: %v", err)
	}
	if !strings.Contains(out, "Summarize the following") || !strings.Contains(out, "a long story") {
		t.Fatalf("seed template not rendered: %q", out)
	}

	if _, err := e.RunPrompt(ctx, "helper", "No Such Prompt", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown prompt, got %v", err)
	}
}

func TestExecuteCommandEnablementAndPolicy(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{}
	e := newTestEngine(t, s, fake)
	ap := seedAgent(t, s)
	ctx := context.Background()

	err := s.SyncCommands(ctx, []storage.Command{
		{Name: "get_datetime", Description: "clock"},
		{Name: "http_request", Description: "fetch"},
	})
	if err != nil {
		t.Fatalf("sync commands: %v", err)
	}

	if _, err := e.ExecuteCommand(ctx, "helper", "get_datetime", nil); !errors.Is(err, ErrCommandDisabled) {
		t.Fatalf("expected ErrCommandDisabled, got %v", err)
	}

	if err := s.SetAgentCommand(ctx, ap.ID, "get_datetime", true); err != nil {
		t.Fatalf("enable command: %v", err)
	}
	out, err := e.ExecuteCommand(ctx, "helper", "get_datetime", nil)
	if err != nil {
		t.Fatalf("execute command: %v", err)
	}
	var dt struct {
		Datetime string `json:"datetime"`
	}
	if err := json.Unmarshal(out, &dt); err != nil || dt.Datetime == "" {
		t.Fatalf("unexpected command output %s (%v)", out, err)
	}

	if err := s.SetAgentCommand(ctx, ap.ID, "http_request", true); err != nil {
		t.Fatalf("enable command: %v", err)
	}
	_, err = e.ExecuteCommand(ctx, "helper", "http_request", json.RawMessage(`{"url":"http://169.254.169.254/latest"}`))
	if !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("expected ErrCommandBlocked for metadata endpoint, got %v", err)
	}

	if _, err := e.ExecuteCommand(ctx, "helper", "no_such_command", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown command, got %v", err)
	}
}

func TestProviderResolutionPassesStoredConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid, err := s.CreateProvider(ctx, storage.Provider{
		Name:       "local",
		Kind:       "custom_http",
		BaseURL:    "http://inference.local/v1/chat",
		ConfigJSON: `{"headers":{"X-Team":"research"},"response_path":"data.text"}`,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if _, err := s.CreateAgent(ctx, storage.Agent{
		Name:         "custom",
		ProviderID:   pid,
		Model:        "mistral",
		SettingsJSON: `{"API_KEY":"agent-key"}`,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	var got registry.BuildOptions
	fake := &fakeProvider{}
	e := New(Config{
		Store:  s,
		Logger: zerolog.Nop(),
		BuildProvider: func(opts registry.BuildOptions) (providers.Provider, error) {
			got = opts
			return fake, nil
		},
	})

	if _, err := e.Chat(ctx, "custom", "", "hi"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got.Kind != "custom_http" || got.BaseURL != "http://inference.local/v1/chat" {
		t.Fatalf("provider identity not forwarded: %+v", got)
	}
	if got.Headers["X-Team"] != "research" {
		t.Fatalf("config headers not extracted: %+v", got.Headers)
	}
	if got.Config["response_path"] != "data.text" {
		t.Fatalf("provider config not forwarded: %+v", got.Config)
	}
	if got.APIKey != "agent-key" {
		t.Fatalf("agent API_KEY setting should override provider key, got %q", got.APIKey)
	}
}

func TestProcessJobCompletesTaskRun(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{reply: func(providers.ChatRequest) (string, error) {
		return "wrote the haiku. TASK COMPLETE", nil
	}}
	e := newTestEngine(t, s, fake)
	ap := seedAgent(t, s)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, storage.Run{Kind: storage.RunKindTask, AgentID: &ap.ID, Input: "write a haiku"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := e.ProcessJob(ctx, queue.Job{Kind: queue.JobKindTask, RunID: run.ID, AgentName: "helper"}); err != nil {
		t.Fatalf("process job: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.State != storage.RunStateCompleted {
		t.Fatalf("run state = %q, want completed", got.State)
	}
	if !strings.Contains(got.Output, "TASK COMPLETE") {
		t.Fatalf("run output missing completion marker: %q", got.Output)
	}

	steps, err := s.ListRunSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	if steps[0].Name != "iteration 1" || steps[0].State != storage.RunStateCompleted {
		t.Fatalf("unexpected step %+v", steps[0])
	}

	prompt := fake.call(0).UserPrompt
	if !strings.Contains(prompt, "write a haiku") {
		t.Fatalf("objective not in planner prompt: %q", prompt)
	}
}

func TestProcessJobTaskStopsAtIterationCap(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{reply: func(providers.ChatRequest) (string, error) {
		return "still working", nil
	}}
	e := newTestEngine(t, s, fake)
	ap := seedAgent(t, s)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, storage.Run{Kind: storage.RunKindTask, AgentID: &ap.ID, Input: "impossible"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := e.ProcessJob(ctx, queue.Job{Kind: queue.JobKindTask, RunID: run.ID}); err != nil {
		t.Fatalf("process job: %v", err)
	}

	if fake.callCount() != 3 {
		t.Fatalf("expected 3 iterations, got %d", fake.callCount())
	}
	steps, err := s.ListRunSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 recorded steps, got %d", len(steps))
	}
	// Later iterations see earlier output as accumulated context.
	if !strings.Contains(fake.call(2).UserPrompt, "still working") {
		t.Fatalf("transcript not threaded into planner prompt: %q", fake.call(2).UserPrompt)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.State != storage.RunStateCompleted {
		t.Fatalf("run state = %q, want completed", got.State)
	}
}

func TestProcessJobChainRunSubstitutesStepOutputs(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{reply: func(req providers.ChatRequest) (string, error) {
		return "<" + req.UserPrompt + ">", nil
	}}
	e := newTestEngine(t, s, fake)
	ap := seedAgent(t, s)
	ctx := context.Background()

	chainID, err := s.CreateChain(ctx, "pipeline", "two-step test chain")
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	steps := []storage.ChainStep{
		{ChainID: chainID, AgentID: &ap.ID, StepType: storage.StepTypePrompt, Target: "Chat", ArgsJSON: "{}"},
		{ChainID: chainID, AgentID: &ap.ID, StepType: storage.StepTypePrompt, Target: "Summarize", ArgsJSON: `{"text":"{STEP1} given {user_input}"}`},
	}
	for _, st := range steps {
		if err := s.AddChainStep(ctx, st); err != nil {
			t.Fatalf("add step: %v", err)
		}
	}

	run, err := s.CreateRun(ctx, storage.Run{Kind: storage.RunKindChain, ChainID: &chainID, Input: "hello"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := e.ProcessJob(ctx, queue.Job{Kind: queue.JobKindChainRun, RunID: run.ID}); err != nil {
		t.Fatalf("process job: %v", err)
	}

	recorded, err := s.ListRunSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("expected 2 recorded steps, got %d", len(recorded))
	}
	if recorded[0].Name != "prompt Chat" || recorded[0].Output != "<hello>" {
		t.Fatalf("unexpected first step %+v", recorded[0])
	}
	if !strings.Contains(recorded[1].Output, "<hello> given hello") {
		t.Fatalf("step reference not substituted: %q", recorded[1].Output)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.State != storage.RunStateCompleted {
		t.Fatalf("run state = %q, want completed", got.State)
	}
	if got.Output != recorded[1].Output {
		t.Fatalf("run output should be the last step output, got %q", got.Output)
	}
}

func TestProcessJobChainStopsWhenCancelled(t *testing.T) {
	s := newTestStore(t)
	ap := seedAgent(t, s)
	ctx := context.Background()

	chainID, err := s.CreateChain(ctx, "slow", "")
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.AddChainStep(ctx, storage.ChainStep{
			ChainID: chainID, AgentID: &ap.ID, StepType: storage.StepTypePrompt, Target: "Chat",
		}); err != nil {
			t.Fatalf("add step: %v", err)
		}
	}

	run, err := s.CreateRun(ctx, storage.Run{Kind: storage.RunKindChain, ChainID: &chainID, Input: "go"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	// The first provider call cancels the run, so the second step must
	// never execute.
	fake := &fakeProvider{}
	fake.reply = func(providers.ChatRequest) (string, error) {
		if fake.callCount() == 1 {
			if err := s.CancelRun(ctx, run.ID); err != nil {
				t.Errorf("cancel run: %v", err)
			}
		}
		return "step done", nil
	}
	e := newTestEngine(t, s, fake)

	if err := e.ProcessJob(ctx, queue.Job{Kind: queue.JobKindChainRun, RunID: run.ID}); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if fake.callCount() != 1 {
		t.Fatalf("expected execution to stop after 1 call, got %d", fake.callCount())
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.State != storage.RunStateCancelled {
		t.Fatalf("run state = %q, want cancelled", got.State)
	}
}

func TestProcessJobChainDepthLimit(t *testing.T) {
	s := newTestStore(t)
	fake := &fakeProvider{}
	e := newTestEngine(t, s, fake)
	ap := seedAgent(t, s)
	ctx := context.Background()

	chainID, err := s.CreateChain(ctx, "recursive", "")
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	if err := s.AddChainStep(ctx, storage.ChainStep{
		ChainID: chainID, AgentID: &ap.ID, StepType: storage.StepTypeChain, Target: "recursive",
	}); err != nil {
		t.Fatalf("add step: %v", err)
	}

	run, err := s.CreateRun(ctx, storage.Run{Kind: storage.RunKindChain, ChainID: &chainID, Input: "loop"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	err = e.ProcessJob(ctx, queue.Job{Kind: queue.JobKindChainRun, RunID: run.ID})
	if !errors.Is(err, ErrChainTooDeep) {
		t.Fatalf("expected ErrChainTooDeep, got %v", err)
	}

	// The run stays running; the worker decides whether to retry or
	// fail it.
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.State != storage.RunStateRunning {
		t.Fatalf("run state = %q, want running", got.State)
	}
}

func TestStartTaskEnqueuesPendingRun(t *testing.T) {
	s := newTestStore(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	jobs := queue.NewStreamQueue(rdb, "agentmux:jobs", "workers", "test-1", 100*time.Millisecond)
	ctx := context.Background()
	if err := jobs.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	fake := &fakeProvider{}
	seedAgent(t, s)
	e := New(Config{
		Store:  s,
		Jobs:   jobs,
		Logger: zerolog.Nop(),
		BuildProvider: func(registry.BuildOptions) (providers.Provider, error) {
			return fake, nil
		},
	})

	run, err := e.StartTask(ctx, "helper", "organize the backlog")
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	if run.State != storage.RunStatePending {
		t.Fatalf("run state = %q, want pending", run.State)
	}
	if run.ConversationID == nil {
		t.Fatal("task run must get a dedicated conversation")
	}
	msgsStored, err := s.ListMessages(ctx, *run.ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgsStored) != 1 || msgsStored[0].Role != storage.RoleUser || msgsStored[0].Content != "organize the backlog" {
		t.Fatalf("objective not seeded into conversation: %+v", msgsStored)
	}

	msgs, err := jobs.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.Kind != queue.JobKindTask || job.RunID != run.ID || job.AgentName != "helper" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestStartTaskWithoutQueue(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, &fakeProvider{})
	seedAgent(t, s)

	if _, err := e.StartTask(context.Background(), "helper", "anything"); !errors.Is(err, ErrQueueRequired) {
		t.Fatalf("expected ErrQueueRequired, got %v", err)
	}
}

func TestCancelRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, &fakeProvider{})
	ap := seedAgent(t, s)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, storage.Run{Kind: storage.RunKindTask, AgentID: &ap.ID, Input: "x"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := e.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.State != storage.RunStateCancelled {
		t.Fatalf("run state = %q, want cancelled", got.State)
	}
	if err := e.Cancel(ctx, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cancelling a finished run should fail, got %v", err)
	}

	// A cancelled run is skipped when its job is finally delivered.
	if err := e.ProcessJob(ctx, queue.Job{Kind: queue.JobKindTask, RunID: run.ID}); err != nil {
		t.Fatalf("process cancelled run: %v", err)
	}
}
