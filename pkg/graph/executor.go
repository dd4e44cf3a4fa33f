// Package graph drives threads through the agent graph one super-step at a
// time: a node runs against a cloned state, returns a delta, the executor
// merges it, writes a checkpoint and publishes events before entering the
// next node. Edges are static. START enters the Router, the Router hands
// off to any registered agent or to FINISH, every agent yields back to the
// Router, and a self-loop agent re-enters itself while its retry flag is
// up. Workflow runs walk a fixed phase sequence instead of the Router, and
// supervisor runs fan the request out over sub-tasks before synthesis.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/router"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/state"
	"github.com/crewkit/crewd/pkg/tools"
)

var (
	// ErrThreadBusy rejects a second run on a thread whose lock is held.
	ErrThreadBusy = errors.New("thread is busy")

	// ErrUnknownThread rejects resuming a thread with no checkpoints.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrAwaitingApproval rejects new input while a thread is parked.
	ErrAwaitingApproval = errors.New("thread is awaiting approval")

	// ErrNotAwaitingApproval rejects a verdict for a thread that is not parked.
	ErrNotAwaitingApproval = errors.New("thread is not awaiting approval")

	// ErrUnknownPhase rejects a workflow request for an unknown phase.
	ErrUnknownPhase = errors.New("unknown workflow phase")
)

// Decider picks the next agent for a thread. *router.Router satisfies it.
type Decider interface {
	Decide(ctx context.Context, st *state.State) (router.Decision, *state.Delta, error)
}

// Observer receives engine telemetry. Implementations must be safe for
// concurrent use; *metrics.Metrics satisfies it.
type Observer interface {
	RecordStep(agent string)
	RecordToolRun(tool string, ok bool)
	RunStarted()
	RunFinished()
}

// Config wires the executor's collaborators.
type Config struct {
	Agents   *agent.Registry
	Router   Decider
	Gateway  agent.Invoker
	Tools    *tools.Registry
	Store    checkpoint.Store
	Bus      *events.Bus
	Breakers *safety.Registry
	Limits   safety.Limits

	// MaxToolRounds bounds each tool-loop invocation. Zero selects the
	// handler default.
	MaxToolRounds int

	// Parallel dispatches supervisor sub-tasks concurrently instead of
	// one at a time.
	Parallel bool

	// ApprovalAfter names agents whose completed step parks the thread
	// until a verdict arrives through Approve.
	ApprovalAfter []string

	// Observer may be nil.
	Observer Observer

	Logger *slog.Logger
}

// Executor owns the super-step loop for every thread.
type Executor struct {
	agents   *agent.Registry
	router   Decider
	gateway  agent.Invoker
	tools    *tools.Registry
	store    checkpoint.Store
	bus      *events.Bus
	breakers *safety.Registry
	limits   safety.Limits

	maxToolRounds int
	parallel      bool
	approvalAfter map[string]struct{}
	observer      Observer
	logger        *slog.Logger
	locks         *threadLocks
}

// New builds an executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gates := make(map[string]struct{}, len(cfg.ApprovalAfter))
	for _, name := range cfg.ApprovalAfter {
		gates[name] = struct{}{}
	}
	return &Executor{
		agents:        cfg.Agents,
		router:        cfg.Router,
		gateway:       cfg.Gateway,
		tools:         cfg.Tools,
		store:         cfg.Store,
		bus:           cfg.Bus,
		breakers:      cfg.Breakers,
		limits:        cfg.Limits.Normalize(),
		maxToolRounds: cfg.MaxToolRounds,
		parallel:      cfg.Parallel,
		approvalAfter: gates,
		observer:      cfg.Observer,
		logger:        logger.With("component", "executor"),
		locks:         newThreadLocks(),
	}
}

// RunRequest describes one executor invocation.
type RunRequest struct {
	ThreadID string

	// Message is appended as a user turn. Empty resumes the thread from
	// its latest checkpoint without new input.
	Message string

	// Supervisor plans the request into sub-tasks and dispatches workers
	// instead of walking the Router loop.
	Supervisor bool
}

// Run drives a thread until FINISH, an approval park, or failure. It holds
// the thread's single-holder lock for the whole run; a concurrent run on
// the same thread fails with ErrThreadBusy. The returned state is the last
// checkpointed one, which callers may inspect for RequiresApproval.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*state.State, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("run: thread id is required")
	}
	release, err := e.locks.acquire(req.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.observer != nil {
		e.observer.RunStarted()
		defer e.observer.RunFinished()
	}

	st, step, err := e.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	e.publish(st.ThreadID, events.ThreadPayload{ThreadID: st.ThreadID, Timestamp: events.Timestamp()})
	e.logger.Info("run started", "thread_id", st.ThreadID, "step", step, "supervisor", req.Supervisor)

	if req.Supervisor || (st.SupervisorMode && !st.SubTasksDone()) {
		return e.runSupervised(ctx, st, step, req.Supervisor)
	}
	return e.runLoop(ctx, st, step)
}

// Approve delivers a human verdict to a parked thread and resumes it. The
// verdict is checkpointed before any further step so it survives a crash.
func (e *Executor) Approve(ctx context.Context, threadID string, approved bool) (*state.State, error) {
	release, err := e.locks.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.observer != nil {
		e.observer.RunStarted()
		defer e.observer.RunFinished()
	}

	st, step, err := e.store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrUnknownThread)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if !st.RequiresApproval {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotAwaitingApproval)
	}

	verdict, note := state.ApprovalApproved, "Approved."
	delta := state.Delta{
		ApprovalStatus:   state.Ptr(verdict),
		RequiresApproval: state.Ptr(false),
	}
	if !approved {
		verdict, note = state.ApprovalRejected, "Rejected."
		delta.ApprovalStatus = state.Ptr(verdict)
		delta.Next = state.Ptr(state.Finish)
	}
	delta.Messages = []state.Message{state.NewMessage(state.RoleUser, "user", note)}

	st = st.Merge(delta)
	step++
	if err := e.save(ctx, st, step); err != nil {
		return st, err
	}
	e.logger.Info("approval verdict merged", "thread_id", threadID, "verdict", verdict, "step", step)

	e.publish(st.ThreadID, events.ThreadPayload{ThreadID: st.ThreadID, Timestamp: events.Timestamp()})
	if st.Phase != "" {
		seq, ok := workflowSequences[st.Phase]
		if !ok {
			return st, fmt.Errorf("%s: %w", st.Phase, ErrUnknownPhase)
		}
		return e.runPhase(ctx, st, step, seq)
	}
	return e.runLoop(ctx, st, step)
}

// loadOrCreate resolves the thread's starting state. A fresh thread needs a
// message; an existing one gets the message appended as a user turn with the
// routing pointer cleared so the Router re-decides.
func (e *Executor) loadOrCreate(ctx context.Context, req RunRequest) (*state.State, int, error) {
	st, step, err := e.store.Latest(ctx, req.ThreadID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		if req.Message == "" {
			return nil, 0, fmt.Errorf("thread %s: %w", req.ThreadID, ErrUnknownThread)
		}
		return state.New(req.ThreadID, req.Message), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load thread %s: %w", req.ThreadID, err)
	}

	if st.RequiresApproval {
		return nil, 0, fmt.Errorf("thread %s: %w", req.ThreadID, ErrAwaitingApproval)
	}
	if req.Message != "" {
		st = st.Merge(state.Delta{
			Messages: []state.Message{state.NewMessage(state.RoleUser, "user", req.Message)},
			Next:     state.Ptr(""),
			Phase:    state.Ptr(""),
		})
	}
	return st, step, nil
}

// runLoop alternates Router decisions and agent steps until FINISH or an
// approval park. Cancellation is honored between super-steps so an
// in-flight step always completes and checkpoints.
func (e *Executor) runLoop(ctx context.Context, st *state.State, step int) (*state.State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		var err error
		switch st.Next {
		case state.Finish:
			e.finish(st)
			return st, nil
		case "":
			st, step, err = e.routerStep(ctx, st, step)
		default:
			st, step, err = e.agentStep(ctx, st, step, "")
		}
		if err != nil {
			return st, err
		}
		if st.RequiresApproval {
			e.logger.Info("thread parked for approval", "thread_id", st.ThreadID, "step", step)
			return st, nil
		}
	}
}

// routerStep runs one Router decision as a super-step. The Router's frames
// are suppressed on a fresh thread that finishes before any agent acted, so
// an immediate FINISH produces a bare thread/done stream.
func (e *Executor) routerStep(ctx context.Context, st *state.State, step int) (*state.State, int, error) {
	engaged := len(st.Contributors) > 0

	d, delta, err := e.router.Decide(ctx, st.Clone())
	if err != nil {
		e.publishError(st.ThreadID, router.Name, err.Error())
		return st, step, fmt.Errorf("router: %w", err)
	}

	next := st.Merge(*delta)
	step++
	if err := e.save(ctx, next, step); err != nil {
		return st, step, err
	}
	if e.observer != nil {
		e.observer.RecordStep(router.Name)
	}

	if next.Next != state.Finish || engaged {
		now := events.Timestamp()
		e.publish(next.ThreadID, events.AgentStartPayload{ThreadID: next.ThreadID, Agent: router.Name, Step: step, Timestamp: now})
		e.publish(next.ThreadID, events.AgentEndPayload{ThreadID: next.ThreadID, Agent: router.Name, Step: step, Timestamp: now})
	}
	if next.Next != state.Finish {
		e.publish(next.ThreadID, events.HandoffPayload{
			ThreadID:  next.ThreadID,
			From:      router.Name,
			To:        next.Next,
			Timestamp: events.Timestamp(),
		})
	}
	if d.Tripped != "" {
		e.publishError(next.ThreadID, router.Name, d.Reasoning)
	}
	return next, step, nil
}

// agentStep runs the agent named by st.Next as a super-step. yieldTo is the
// routing pointer after an ordinary completion: empty re-enters the Router,
// a workflow passes the next stage. A pending self-loop retry keeps the
// pointer on the agent itself instead.
func (e *Executor) agentStep(ctx context.Context, st *state.State, step int, yieldTo string) (*state.State, int, error) {
	name := st.Next
	entry, err := e.agents.Lookup(name)
	if err != nil {
		// The registry changed under a checkpointed pointer, likely a
		// plugin reload. Yield so the Router re-decides.
		e.publishError(st.ThreadID, name, err.Error())
		return st.Merge(state.Delta{Next: state.Ptr(yieldTo)}), step, nil
	}

	stepNum := step + 1
	e.publish(st.ThreadID, events.AgentStartPayload{
		ThreadID:  st.ThreadID,
		Agent:     name,
		Step:      stepNum,
		Timestamp: events.Timestamp(),
	})

	delta, runErr := e.invoke(ctx, entry, st, nil)
	e.recordOutcome(name, delta, runErr)
	if runErr != nil {
		e.publishError(st.ThreadID, name, runErr.Error())
		delta = &state.Delta{
			Messages: []state.Message{state.NewMessage(state.RoleAgent, name,
				fmt.Sprintf("Failed to complete the step: %v", runErr))},
			LastError: state.Ptr(runErr.Error()),
		}
	}

	retrying := entry.SelfLoop && delta.NeedsRetry != nil && *delta.NeedsRetry
	if !retrying && delta.Next == nil {
		delta.Next = state.Ptr(yieldTo)
	}
	if !retrying && runErr == nil && e.gated(name) {
		delta.RequiresApproval = state.Ptr(true)
		delta.ApprovalStatus = state.Ptr("")
	}

	next := st.Merge(*delta)
	step = stepNum
	if err := e.save(ctx, next, step); err != nil {
		return st, step, err
	}
	if e.observer != nil {
		e.observer.RecordStep(name)
	}

	e.publish(next.ThreadID, events.AgentEndPayload{
		ThreadID:  next.ThreadID,
		Agent:     name,
		Step:      step,
		Timestamp: events.Timestamp(),
	})
	e.logger.Debug("agent step complete",
		"thread_id", next.ThreadID, "agent", name, "step", step, "retrying", retrying)
	return next, step, nil
}

// invoke runs one handler invocation, streaming chunks and tool reports to
// the bus as they happen.
func (e *Executor) invoke(ctx context.Context, entry agent.Entry, st *state.State, task *state.SubTask) (*state.Delta, error) {
	handler := agent.NewHandler(entry, agent.HandlerConfig{
		Gateway:       e.gateway,
		Tools:         e.tools,
		Limits:        e.limits,
		MaxToolRounds: e.maxToolRounds,
		Logger:        e.logger,
	})
	inv := agent.Invocation{
		Task: task,
		OnDelta: func(content string) {
			e.publish(st.ThreadID, events.ChunkPayload{ThreadID: st.ThreadID, Agent: entry.Name, Content: content})
		},
		OnTool: func(tool, argDigest string, ok bool) {
			e.publish(st.ThreadID, events.ToolPayload{
				ThreadID:  st.ThreadID,
				Agent:     entry.Name,
				Name:      tool,
				ArgDigest: argDigest,
				OK:        ok,
				Timestamp: events.Timestamp(),
			})
			if e.observer != nil {
				e.observer.RecordToolRun(tool, ok)
			}
		},
	}
	return handler.Run(ctx, st.Clone(), inv)
}

// recordOutcome feeds the agent's breaker. An intermediate failing cycle
// inside the retry loop counts as neither success nor failure; only the
// surrendered cycle trips the failure count.
func (e *Executor) recordOutcome(name string, delta *state.Delta, runErr error) {
	breaker := e.breakers.Get(name)
	switch {
	case runErr != nil:
		breaker.RecordFailure()
	case delta.Surrendered:
		breaker.RecordFailure()
	case delta.NeedsRetry != nil && *delta.NeedsRetry:
	default:
		breaker.RecordSuccess()
	}
}

func (e *Executor) finish(st *state.State) {
	e.publish(st.ThreadID, events.DonePayload{
		ThreadID:  st.ThreadID,
		Result:    st.LastMessage().Content,
		Timestamp: events.Timestamp(),
	})
	e.logger.Info("run finished",
		"thread_id", st.ThreadID, "turns", st.TurnCount, "contributors", len(st.Contributors))
}

func (e *Executor) gated(name string) bool {
	_, ok := e.approvalAfter[name]
	return ok
}

func (e *Executor) save(ctx context.Context, st *state.State, step int) error {
	if err := e.store.Save(ctx, st.ThreadID, step, st); err != nil {
		e.publishError(st.ThreadID, "", "checkpoint write failed")
		return fmt.Errorf("failed to checkpoint thread %s step %d: %w", st.ThreadID, step, err)
	}
	return nil
}

func (e *Executor) publish(threadID string, ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(threadID, ev)
	}
}

func (e *Executor) publishError(threadID, agentName, content string) {
	e.publish(threadID, events.ErrorPayload{
		ThreadID:  threadID,
		Agent:     agentName,
		Content:   content,
		Timestamp: events.Timestamp(),
	})
}
