package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/state"
)

// SynthesizerName authors the aggregation message that closes a supervised
// run. It is a graph node, not a registry agent.
const SynthesizerName = "Synthesizer"

const supervisorCharter = `You are the ProductManager acting as supervisor. Break the user's request into delegated sub-tasks for the team.

## Working rules
- Emit between one and six tasks; fewer is better.
- Every task names one worker from the team and carries a self-contained description.
- Use the context field for constraints the worker cannot infer from the description.
- Emit zero tasks when the request needs no delegation.

## Team
`

const synthesizerCharter = `You are the Synthesizer. Combine the team's completed sub-task results into one coherent answer.

## Working rules
- Weave the results into a single response organized around the user's request.
- Call out sub-tasks that failed and what is missing because of them.
- Do not invent work nobody performed.`

// runSupervised plans the request into sub-tasks, dispatches the workers
// and synthesizes their results. A plan that fails falls back to the Router
// loop; a plan with zero tasks ends the run with the planner's own answer.
func (e *Executor) runSupervised(ctx context.Context, st *state.State, step int, fresh bool) (*state.State, error) {
	var err error
	if fresh || len(st.SubTasks) == 0 || st.SubTasksDone() {
		st, step, err = e.superviseStep(ctx, st, step)
		if err != nil {
			return st, err
		}
		if !st.SupervisorMode {
			return e.runLoop(ctx, st, step)
		}
		if len(st.SubTasks) == 0 {
			st = st.Merge(state.Delta{Next: state.Ptr(state.Finish)})
			step++
			if err := e.save(ctx, st, step); err != nil {
				return st, err
			}
			e.finish(st)
			return st, nil
		}
	}

	st, step, err = e.dispatch(ctx, st, step)
	if err != nil {
		return st, err
	}
	st, step, err = e.synthesizeStep(ctx, st, step)
	if err != nil {
		return st, err
	}
	e.finish(st)
	return st, nil
}

// superviseStep asks the planner for a sub-task list as one super-step. On
// provider failure the thread drops out of supervisor mode so the Router
// loop can still serve the request.
func (e *Executor) superviseStep(ctx context.Context, st *state.State, step int) (*state.State, int, error) {
	stepNum := step + 1
	e.publish(st.ThreadID, events.AgentStartPayload{
		ThreadID:  st.ThreadID,
		Agent:     agent.ProductManager,
		Step:      stepNum,
		Timestamp: events.Timestamp(),
	})

	tasks, planText, err := e.plan(ctx, st)
	var delta *state.Delta
	if err != nil {
		e.breakers.Get(agent.ProductManager).RecordFailure()
		e.publishError(st.ThreadID, agent.ProductManager, err.Error())
		delta = &state.Delta{
			Messages: []state.Message{state.NewMessage(state.RoleAgent, agent.ProductManager,
				fmt.Sprintf("Failed to plan sub-tasks: %v. Continuing without delegation.", err))},
			LastError:      state.Ptr(err.Error()),
			SupervisorMode: state.Ptr(false),
			Next:           state.Ptr(""),
		}
	} else {
		e.breakers.Get(agent.ProductManager).RecordSuccess()
		delta = &state.Delta{
			Messages: []state.Message{state.NewMessage(state.RoleAgent, agent.ProductManager, planText)},
			Contributors:    []string{agent.ProductManager},
			SubTasks:        tasks,
			ReplaceSubTasks: true,
			SupervisorMode:  state.Ptr(true),
			Next:            state.Ptr(""),
		}
	}

	next := st.Merge(*delta)
	step = stepNum
	if err := e.save(ctx, next, step); err != nil {
		return st, step, err
	}
	if e.observer != nil {
		e.observer.RecordStep(agent.ProductManager)
	}
	e.publish(next.ThreadID, events.AgentEndPayload{
		ThreadID:  next.ThreadID,
		Agent:     agent.ProductManager,
		Step:      step,
		Timestamp: events.Timestamp(),
	})
	e.logger.Info("sub-task plan merged", "thread_id", next.ThreadID, "tasks", len(next.SubTasks), "step", step)
	return next, step, nil
}

type taskPlan struct {
	Tasks []struct {
		Worker      string `json:"worker"`
		Description string `json:"description"`
		Context     string `json:"context"`
	} `json:"tasks"`
}

func (e *Executor) plan(ctx context.Context, st *state.State) ([]state.SubTask, string, error) {
	schema, err := e.subTaskSchema()
	if err != nil {
		return nil, "", err
	}

	entry, _ := e.agents.Lookup(agent.ProductManager)
	req := llm.Request{
		ThreadID:    st.ThreadID,
		Agent:       agent.ProductManager,
		Tier:        llm.TierPrimary,
		Model:       entry.Model,
		System:      e.supervisorSystem(),
		Messages:    agent.Conversation(st.Messages, agent.ProductManager),
		Temperature: entry.Temperature,
		Schema:      schema,
	}
	resp, err := e.gateway.Structured(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var p taskPlan
	if err := json.Unmarshal(resp.Structured, &p); err != nil {
		return nil, "", fmt.Errorf("failed to decode sub-task plan: %w", err)
	}

	now := time.Now().UTC()
	tasks := make([]state.SubTask, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, state.SubTask{
			ID:          uuid.NewString(),
			Worker:      t.Worker,
			Description: t.Description,
			Context:     t.Context,
			Status:      state.SubTaskPending,
			CreatedAt:   now,
		})
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = fmt.Sprintf("Split the request into %d sub-tasks.", len(tasks))
	}
	return tasks, text, nil
}

func (e *Executor) supervisorSystem() string {
	var b strings.Builder
	b.WriteString(supervisorCharter)
	for _, entry := range e.agents.Entries() {
		fmt.Fprintf(&b, "- %s: %s\n", entry.Name, entry.Role)
	}
	return strings.TrimRight(b.String(), "\n")
}

// subTaskSchema constrains worker names to the live roster, rebuilt per
// plan so freshly loaded plugins are delegable at once.
func (e *Executor) subTaskSchema() (*llm.Schema, error) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasks": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"worker":      map[string]any{"type": "string", "enum": e.agents.Names()},
						"description": map[string]any{"type": "string"},
						"context":     map[string]any{"type": "string"},
					},
					"required":             []string{"worker", "description"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"tasks"},
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build sub-task schema: %w", err)
	}
	return llm.NewSchema("sub_tasks", raw)
}

// dispatch runs every dispatchable sub-task. Sequential dispatch claims and
// checkpoints one task at a time; parallel dispatch claims the whole batch
// and runs the workers concurrently as a single super-step.
func (e *Executor) dispatch(ctx context.Context, st *state.State, step int) (*state.State, int, error) {
	if e.parallel {
		return e.dispatchParallel(ctx, st, step)
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, step, err
		}
		task := nextDispatchable(st)
		if task == nil {
			return st, step, nil
		}

		// Claim durably first so a crash mid-task resumes by redoing it.
		claimed := *task
		claimed.Status = state.SubTaskInProgress
		st = st.Merge(state.Delta{SubTasks: replaceTask(st.SubTasks, claimed), ReplaceSubTasks: true})
		step++
		if err := e.save(ctx, st, step); err != nil {
			return st, step, err
		}

		stepNum := step + 1
		e.publish(st.ThreadID, events.AgentStartPayload{
			ThreadID:  st.ThreadID,
			Agent:     claimed.Worker,
			Step:      stepNum,
			Timestamp: events.Timestamp(),
		})

		content, status, result := e.runSubTask(ctx, st, claimed)
		delta := taskDelta(st, claimed, content, status, result)

		st = st.Merge(*delta)
		step = stepNum
		if err := e.save(ctx, st, step); err != nil {
			return st, step, err
		}
		if e.observer != nil {
			e.observer.RecordStep(claimed.Worker)
		}
		e.publish(st.ThreadID, events.AgentEndPayload{
			ThreadID:  st.ThreadID,
			Agent:     claimed.Worker,
			Step:      step,
			Timestamp: events.Timestamp(),
		})
	}
}

// dispatchParallel runs all dispatchable tasks concurrently as one
// super-step. Worker deltas merge in task order afterwards, so the merged
// transcript is deterministic even though execution interleaves.
func (e *Executor) dispatchParallel(ctx context.Context, st *state.State, step int) (*state.State, int, error) {
	var claimed []state.SubTask
	tasks := slices.Clone(st.SubTasks)
	for i := range tasks {
		if s := tasks[i].Status; s == state.SubTaskPending || s == state.SubTaskInProgress {
			tasks[i].Status = state.SubTaskInProgress
			claimed = append(claimed, tasks[i])
		}
	}
	if len(claimed) == 0 {
		return st, step, nil
	}

	st = st.Merge(state.Delta{SubTasks: tasks, ReplaceSubTasks: true})
	step++
	if err := e.save(ctx, st, step); err != nil {
		return st, step, err
	}

	stepNum := step + 1
	for _, task := range claimed {
		e.publish(st.ThreadID, events.AgentStartPayload{
			ThreadID:  st.ThreadID,
			Agent:     task.Worker,
			Step:      stepNum,
			Timestamp: events.Timestamp(),
		})
	}

	contents := make([]*state.Delta, len(claimed))
	statuses := make([]string, len(claimed))
	results := make([]string, len(claimed))

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range claimed {
		g.Go(func() error {
			contents[i], statuses[i], results[i] = e.runSubTask(gctx, st, task)
			return nil
		})
	}
	// Workers report failures through their task status, never an error.
	_ = g.Wait()

	for i, task := range claimed {
		delta := taskDelta(st, task, contents[i], statuses[i], results[i])
		st = st.Merge(*delta)
		if e.observer != nil {
			e.observer.RecordStep(task.Worker)
		}
	}

	step = stepNum
	if err := e.save(ctx, st, step); err != nil {
		return st, step, err
	}
	for _, task := range claimed {
		e.publish(st.ThreadID, events.AgentEndPayload{
			ThreadID:  st.ThreadID,
			Agent:     task.Worker,
			Step:      step,
			Timestamp: events.Timestamp(),
		})
	}
	return st, step, nil
}

// runSubTask executes one worker against the base state and reports the
// outcome. Retry bookkeeping does not apply here: dispatch is one-shot, so
// a failure-patterned run fails the task instead of looping.
func (e *Executor) runSubTask(ctx context.Context, st *state.State, task state.SubTask) (*state.Delta, string, string) {
	entry, err := e.agents.Lookup(task.Worker)
	if err != nil {
		e.publishError(st.ThreadID, task.Worker, err.Error())
		return nil, state.SubTaskFailed, err.Error()
	}
	if err := e.breakers.Get(task.Worker).Allow(); err != nil {
		e.publishError(st.ThreadID, task.Worker, err.Error())
		return nil, state.SubTaskFailed, err.Error()
	}

	content, runErr := e.invoke(ctx, entry, st, &task)
	if runErr != nil {
		e.breakers.Get(task.Worker).RecordFailure()
		e.publishError(st.ThreadID, task.Worker, runErr.Error())
		return nil, state.SubTaskFailed, runErr.Error()
	}

	status := state.SubTaskCompleted
	if content.Surrendered || (content.NeedsRetry != nil && *content.NeedsRetry) {
		status = state.SubTaskFailed
		e.breakers.Get(task.Worker).RecordFailure()
	} else {
		e.breakers.Get(task.Worker).RecordSuccess()
	}

	result := lastAgentMessage(content.Messages)
	if result == "" {
		result = "no output"
	}
	return content, status, result
}

// taskDelta folds one finished task into a merge-ready delta. The worker's
// loop bookkeeping fields are dropped; only transcript, artifacts and
// contribution carry over.
func taskDelta(st *state.State, task state.SubTask, content *state.Delta, status, result string) *state.Delta {
	done := task
	done.Status = status
	done.Result = result
	now := time.Now().UTC()
	done.CompletedAt = &now

	delta := &state.Delta{
		SubTasks:          replaceTask(st.SubTasks, done),
		ReplaceSubTasks:   true,
		AggregatedResults: []string{fmt.Sprintf("%s: %s", task.Worker, result)},
	}
	if content != nil {
		delta.Messages = content.Messages
		delta.Artifacts = content.Artifacts
		delta.Contributors = content.Contributors
	}
	return delta
}

// synthesizeStep merges the aggregated results into the closing answer and
// points the thread at FINISH.
func (e *Executor) synthesizeStep(ctx context.Context, st *state.State, step int) (*state.State, int, error) {
	stepNum := step + 1
	e.publish(st.ThreadID, events.AgentStartPayload{
		ThreadID:  st.ThreadID,
		Agent:     SynthesizerName,
		Step:      stepNum,
		Timestamp: events.Timestamp(),
	})

	req := llm.Request{
		ThreadID: st.ThreadID,
		Agent:    SynthesizerName,
		Tier:     llm.TierPrimary,
		System:   synthesizerCharter,
		Messages: append(agent.Conversation(st.Messages, SynthesizerName), llm.ConversationMessage{
			Role:    "user",
			Content: "Sub-task results:\n" + strings.Join(st.AggregatedResults, "\n"),
		}),
	}
	resp, err := e.gateway.Plain(ctx, req)

	var delta *state.Delta
	if err != nil {
		e.publishError(st.ThreadID, SynthesizerName, err.Error())
		delta = &state.Delta{
			Messages: []state.Message{state.NewMessage(state.RoleAgent, "System",
				fmt.Sprintf("Failed to synthesize results: %v", err))},
			LastError: state.Ptr(err.Error()),
			Next:      state.Ptr(state.Finish),
		}
	} else {
		delta = &state.Delta{
			Messages:     []state.Message{state.NewMessage(state.RoleAgent, SynthesizerName, resp.Text)},
			Contributors: []string{SynthesizerName},
			Next:         state.Ptr(state.Finish),
		}
	}

	next := st.Merge(*delta)
	step = stepNum
	if err := e.save(ctx, next, step); err != nil {
		return st, step, err
	}
	if e.observer != nil {
		e.observer.RecordStep(SynthesizerName)
	}
	e.publish(next.ThreadID, events.AgentEndPayload{
		ThreadID:  next.ThreadID,
		Agent:     SynthesizerName,
		Step:      step,
		Timestamp: events.Timestamp(),
	})
	return next, step, nil
}

func nextDispatchable(st *state.State) *state.SubTask {
	for i := range st.SubTasks {
		if s := st.SubTasks[i].Status; s == state.SubTaskPending || s == state.SubTaskInProgress {
			return &st.SubTasks[i]
		}
	}
	return nil
}

func replaceTask(tasks []state.SubTask, updated state.SubTask) []state.SubTask {
	out := slices.Clone(tasks)
	for i := range out {
		if out[i].ID == updated.ID {
			out[i] = updated
			break
		}
	}
	return out
}

func lastAgentMessage(msgs []state.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == state.RoleAgent {
			return msgs[i].Content
		}
	}
	return ""
}
