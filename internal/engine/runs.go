package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentmux/internal/queue"
	"agentmux/internal/storage"
	"agentmux/internal/tokens"
)

// stepRefPattern matches {STEPn} references inside chain step arguments.
var stepRefPattern = regexp.MustCompile(`\{STEP(\d+)\}`)

// StartTask creates a pending task run backed by a dedicated
// conversation and hands it to the queue. The objective becomes the
// conversation's opening message; iterations append to it as they land.
func (e *Engine) StartTask(ctx context.Context, agentName, objective string) (storage.Run, error) {
	if e.jobs == nil {
		return storage.Run{}, ErrQueueRequired
	}
	ap, err := e.store.GetAgentByName(ctx, agentName)
	if err != nil {
		return storage.Run{}, err
	}

	runID := uuid.NewString()
	conv, err := e.store.EnsureConversation(ctx, ap.ID, "task-"+runID[:8])
	if err != nil {
		return storage.Run{}, err
	}
	userMsg, err := e.store.AppendMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Content:        objective,
		Tokens:         tokens.Estimate(ap.Model, objective),
	})
	if err != nil {
		return storage.Run{}, err
	}
	e.publishMessage(ctx, conv.ID, ap.Name, userMsg)

	run, err := e.store.CreateRun(ctx, storage.Run{
		ID:             runID,
		Kind:           storage.RunKindTask,
		AgentID:        &ap.ID,
		ConversationID: &conv.ID,
		Input:          objective,
	})
	if err != nil {
		return storage.Run{}, err
	}
	return run, e.enqueueRun(ctx, run, queue.JobKindTask, ap.Name)
}

// StartChain creates a pending chain run and hands it to the queue. The
// agent name is optional; steps without their own agent fall back to it.
func (e *Engine) StartChain(ctx context.Context, chainName, userInput, agentName string) (storage.Run, error) {
	if e.jobs == nil {
		return storage.Run{}, ErrQueueRequired
	}
	ch, err := e.store.GetChainByName(ctx, chainName)
	if err != nil {
		return storage.Run{}, err
	}

	var agentID *int64
	if strings.TrimSpace(agentName) != "" {
		ap, err := e.store.GetAgentByName(ctx, agentName)
		if err != nil {
			return storage.Run{}, err
		}
		agentID = &ap.ID
	}

	run, err := e.store.CreateRun(ctx, storage.Run{
		Kind:    storage.RunKindChain,
		AgentID: agentID,
		ChainID: &ch.ID,
		Input:   userInput,
	})
	if err != nil {
		return storage.Run{}, err
	}
	return run, e.enqueueRun(ctx, run, queue.JobKindChainRun, agentName)
}

func (e *Engine) enqueueRun(ctx context.Context, run storage.Run, jobKind, agentName string) error {
	if _, err := e.jobs.Enqueue(ctx, queue.Job{
		Kind:      jobKind,
		RunID:     run.ID,
		AgentName: agentName,
	}); err != nil {
		return fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}
	e.metrics.EnqueuedJobs.Inc()
	e.publishRunEvent(ctx, queue.EventRunQueued, run.ID, agentName, 0, "")
	return nil
}

// Cancel marks a pending or running run as cancelled. The executing
// worker observes the state flip at its next step boundary.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if err := e.store.CancelRun(ctx, runID); err != nil {
		return err
	}
	e.publishRunEvent(ctx, queue.EventRunCancelled, runID, "", 0, "")
	return nil
}

// ProcessJob claims the run behind a queued job and executes it to a
// terminal state. A returned error means the run was left in the running
// state and the caller decides whether to retry or fail it.
func (e *Engine) ProcessJob(ctx context.Context, job queue.Job) error {
	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn().Str("run_id", job.RunID).Msg("queued run no longer exists")
			return nil
		}
		return err
	}
	if run.State != storage.RunStatePending {
		e.logger.Debug().Str("run_id", run.ID).Str("state", run.State).Msg("skipping non-pending run")
		return nil
	}
	if err := e.store.MarkRunRunning(ctx, run.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Claimed elsewhere or cancelled since the lookup.
			return nil
		}
		return err
	}
	e.publishRunEvent(ctx, queue.EventRunStarted, run.ID, job.AgentName, 0, "")

	var output string
	switch run.Kind {
	case storage.RunKindTask:
		output, err = e.runTask(ctx, run)
	case storage.RunKindChain:
		output, err = e.runChainRun(ctx, run)
	default:
		err = fmt.Errorf("unknown run kind %q", run.Kind)
	}
	if errors.Is(err, ErrRunCancelled) {
		e.publishRunEvent(ctx, queue.EventRunCancelled, run.ID, job.AgentName, 0, "")
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.store.FinishRun(ctx, run.ID, storage.RunStateCompleted, output, ""); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Cancelled mid-flight; the cancel wins.
			e.publishRunEvent(ctx, queue.EventRunCancelled, run.ID, job.AgentName, 0, "")
			return nil
		}
		return err
	}
	e.publishRunEvent(ctx, queue.EventRunCompleted, run.ID, job.AgentName, 0, output)
	return nil
}

// runTask iterates the planner prompt until it declares the objective
// done or the iteration cap is hit.
func (e *Engine) runTask(ctx context.Context, run storage.Run) (string, error) {
	if run.AgentID == nil {
		return "", ErrAgentRequired
	}
	ap, err := e.store.GetAgentByID(ctx, *run.AgentID)
	if err != nil {
		return "", err
	}

	var transcript []string
	for i := 1; i <= e.taskMaxIterations; i++ {
		if cancelled, err := e.runCancelled(ctx, run.ID); err != nil {
			return "", err
		} else if cancelled {
			return "", ErrRunCancelled
		}

		started := time.Now().UTC()
		out, err := e.runPromptForAgent(ctx, ap, "Task Planner", map[string]string{
			"objective": run.Input,
			"context":   strings.Join(transcript, "\n\n"),
		})
		finished := time.Now().UTC()

		step := storage.RunStep{
			RunID:      run.ID,
			StepNumber: i,
			Name:       fmt.Sprintf("iteration %d", i),
			State:      storage.RunStateCompleted,
			Output:     out,
			StartedAt:  &started,
			FinishedAt: &finished,
		}
		if err != nil {
			step.State = storage.RunStateFailed
			step.Error = err.Error()
		}
		if upErr := e.store.UpsertRunStep(ctx, step); upErr != nil {
			e.logger.Error().Err(upErr).Str("run_id", run.ID).Int("step", i).Msg("failed to record run step")
		}
		if err != nil {
			return "", err
		}
		e.publishRunEvent(ctx, queue.EventRunStep, run.ID, ap.Name, i, out)

		if run.ConversationID != nil {
			msg, msgErr := e.store.AppendMessage(ctx, storage.Message{
				ConversationID: *run.ConversationID,
				Role:           storage.RoleAssistant,
				Content:        out,
				Tokens:         tokens.Estimate(ap.Model, out),
			})
			if msgErr != nil {
				e.logger.Error().Err(msgErr).Str("run_id", run.ID).Msg("failed to record task message")
			} else {
				e.publishMessage(ctx, *run.ConversationID, ap.Name, msg)
			}
		}

		transcript = append(transcript, out)
		if strings.Contains(out, "TASK COMPLETE") {
			break
		}
	}
	return strings.Join(transcript, "\n\n"), nil
}

func (e *Engine) runChainRun(ctx context.Context, run storage.Run) (string, error) {
	if run.ChainID == nil {
		return "", fmt.Errorf("run %s has no chain", run.ID)
	}
	ch, err := e.store.GetChainByID(ctx, *run.ChainID)
	if err != nil {
		return "", err
	}
	return e.runChain(ctx, run, ch, run.Input, run.AgentID, 1)
}

// runChain executes a chain's steps in order. Only the outermost chain
// records run steps; a nested chain surfaces as a single step of its
// parent.
func (e *Engine) runChain(ctx context.Context, run storage.Run, ch storage.Chain, userInput string, fallbackAgent *int64, depth int) (string, error) {
	if depth > e.chainMaxDepth {
		return "", fmt.Errorf("%w: chain %q at depth %d", ErrChainTooDeep, ch.Name, depth)
	}
	steps, err := e.store.ListChainSteps(ctx, ch.ID)
	if err != nil {
		return "", err
	}

	outputs := make(map[int]string, len(steps))
	var lastOutput string
	record := depth == 1

	for _, st := range steps {
		if cancelled, err := e.runCancelled(ctx, run.ID); err != nil {
			return "", err
		} else if cancelled {
			return "", ErrRunCancelled
		}

		started := time.Now().UTC()
		out, stepErr := e.execChainStep(ctx, run, st, userInput, outputs, fallbackAgent, depth)
		finished := time.Now().UTC()

		if record {
			rec := storage.RunStep{
				RunID:      run.ID,
				StepNumber: st.StepNumber,
				Name:       chainStepName(st),
				State:      storage.RunStateCompleted,
				Output:     out,
				StartedAt:  &started,
				FinishedAt: &finished,
			}
			if stepErr != nil {
				rec.State = storage.RunStateFailed
				rec.Error = stepErr.Error()
			}
			if upErr := e.store.UpsertRunStep(ctx, rec); upErr != nil {
				e.logger.Error().Err(upErr).Str("run_id", run.ID).Int("step", st.StepNumber).Msg("failed to record run step")
			}
		}
		if stepErr != nil {
			return "", fmt.Errorf("chain %q step %d: %w", ch.Name, st.StepNumber, stepErr)
		}
		if record {
			e.publishRunEvent(ctx, queue.EventRunStep, run.ID, st.AgentName, st.StepNumber, out)
		}

		outputs[st.StepNumber] = out
		lastOutput = out
	}
	return lastOutput, nil
}

func (e *Engine) execChainStep(ctx context.Context, run storage.Run, st storage.ChainStep, userInput string, outputs map[int]string, fallbackAgent *int64, depth int) (string, error) {
	args, err := parseStepArgs(st.ArgsJSON)
	if err != nil {
		return "", err
	}
	substituteArgs(args, userInput, outputs)

	switch st.StepType {
	case storage.StepTypePrompt:
		ap, err := e.stepAgent(ctx, st, fallbackAgent)
		if err != nil {
			return "", err
		}
		promptArgs := stringifyArgs(args)
		if _, ok := promptArgs["user_input"]; !ok {
			promptArgs["user_input"] = userInput
		}
		return e.runPromptForAgent(ctx, ap, st.Target, promptArgs)

	case storage.StepTypeCommand:
		ap, err := e.stepAgent(ctx, st, fallbackAgent)
		if err != nil {
			return "", err
		}
		rawArgs, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode command args: %w", err)
		}
		out, err := e.executeCommandForAgent(ctx, ap, st.Target, rawArgs)
		if err != nil {
			return "", err
		}
		return string(out), nil

	case storage.StepTypeChain:
		nested, err := e.store.GetChainByName(ctx, st.Target)
		if err != nil {
			return "", err
		}
		input := userInput
		if v, ok := args["input"].(string); ok && v != "" {
			input = v
		}
		agent := fallbackAgent
		if st.AgentID != nil {
			agent = st.AgentID
		}
		return e.runChain(ctx, run, nested, input, agent, depth+1)

	default:
		return "", fmt.Errorf("unknown step type %q", st.StepType)
	}
}

func (e *Engine) stepAgent(ctx context.Context, st storage.ChainStep, fallback *int64) (storage.AgentWithProvider, error) {
	id := st.AgentID
	if id == nil {
		id = fallback
	}
	if id == nil {
		return storage.AgentWithProvider{}, ErrAgentRequired
	}
	return e.store.GetAgentByID(ctx, *id)
}

func (e *Engine) runCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.State == storage.RunStateCancelled, nil
}

func (e *Engine) publishRunEvent(ctx context.Context, eventType, runID, agent string, step int, content string) {
	err := e.notifier.Publish(ctx, queue.Event{
		Type:       eventType,
		RunID:      runID,
		Agent:      agent,
		StepNumber: step,
		Content:    content,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("run_id", runID).Str("event", eventType).Msg("failed to publish run event")
	}
}

func chainStepName(st storage.ChainStep) string {
	return st.StepType + " " + st.Target
}

func parseStepArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse step args: %w", err)
	}
	return args, nil
}

// substituteArgs resolves {user_input} and {STEPn} references in string
// argument values. A reference to a step that has not produced output
// resolves to the empty string.
func substituteArgs(args map[string]any, userInput string, outputs map[int]string) {
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.ReplaceAll(s, "{user_input}", userInput)
		s = stepRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
			n, err := strconv.Atoi(ref[5 : len(ref)-1])
			if err != nil {
				return ""
			}
			return outputs[n]
		})
		args[k] = s
	}
}

func stringifyArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
