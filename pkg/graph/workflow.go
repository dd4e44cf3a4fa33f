package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/state"
)

// Workflow phases. Each phase runs a fixed agent sequence with no Router
// in between; steps checkpoint exactly like routed ones.
const (
	PhaseStrategy = "strategy"
	PhaseDesign   = "design"
	PhaseBuild    = "build"
	PhaseShip     = "ship"
)

var workflowSequences = map[string][]string{
	PhaseStrategy: {agent.ProductManager, agent.Researcher, agent.Analyst},
	PhaseDesign:   {agent.Designer, agent.Architect, agent.Planner},
	PhaseBuild:    {agent.Builder, agent.Reviewer, agent.Tester, agent.Security},
	PhaseShip:     {agent.SRE, agent.Writer, agent.Marketer},
}

// Phases lists the workflow phases in their natural order.
func Phases() []string {
	return []string{PhaseStrategy, PhaseDesign, PhaseBuild, PhaseShip}
}

// PhaseSequence returns the agent sequence for a phase.
func PhaseSequence(phase string) ([]string, bool) {
	seq, ok := workflowSequences[phase]
	if !ok {
		return nil, false
	}
	return slices.Clone(seq), true
}

// RunWorkflow drives a thread through one phase's agent sequence. Invoking
// a workflow on an existing thread restarts the phase from its first stage;
// the transcript and artifacts accumulated so far are kept as context.
func (e *Executor) RunWorkflow(ctx context.Context, threadID, phase, message string) (*state.State, error) {
	seq, ok := workflowSequences[phase]
	if !ok {
		return nil, fmt.Errorf("%s: %w", phase, ErrUnknownPhase)
	}
	if threadID == "" {
		return nil, fmt.Errorf("workflow: thread id is required")
	}
	release, err := e.locks.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.observer != nil {
		e.observer.RunStarted()
		defer e.observer.RunFinished()
	}

	st, step, err := e.loadWorkflow(ctx, threadID, phase, seq[0], message)
	if err != nil {
		return nil, err
	}

	e.publish(st.ThreadID, events.ThreadPayload{ThreadID: st.ThreadID, Timestamp: events.Timestamp()})
	e.logger.Info("workflow started", "thread_id", st.ThreadID, "phase", phase, "step", step)

	return e.runPhase(ctx, st, step, seq)
}

func (e *Executor) loadWorkflow(ctx context.Context, threadID, phase, first, message string) (*state.State, int, error) {
	delta := state.Delta{
		Phase: state.Ptr(phase),
		Next:  state.Ptr(first),
	}
	if message != "" {
		delta.Messages = []state.Message{state.NewMessage(state.RoleUser, "user", message)}
	}

	st, step, err := e.store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		if message == "" {
			return nil, 0, fmt.Errorf("thread %s: %w", threadID, ErrUnknownThread)
		}
		st = state.New(threadID, message)
		delta.Messages = nil
		return st.Merge(delta), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if st.RequiresApproval {
		return nil, 0, fmt.Errorf("thread %s: %w", threadID, ErrAwaitingApproval)
	}
	return st.Merge(delta), step, nil
}

// runPhase walks the sequence using st.Next as the stage pointer, so a
// parked or interrupted phase resumes at the stage it stopped before.
func (e *Executor) runPhase(ctx context.Context, st *state.State, step int, seq []string) (*state.State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if st.Next == state.Finish || st.Next == "" {
			e.finish(st)
			return st, nil
		}

		idx := slices.Index(seq, st.Next)
		if idx < 0 {
			// The pointer left the sequence, likely a registry or phase
			// change while the thread was parked. End the phase cleanly.
			e.publishError(st.ThreadID, "", fmt.Sprintf("agent %s is not part of phase %s", st.Next, st.Phase))
			st = st.Merge(state.Delta{Next: state.Ptr(state.Finish)})
			step++
			if err := e.save(ctx, st, step); err != nil {
				return st, err
			}
			continue
		}

		name := seq[idx]
		yieldTo := state.Finish
		if idx+1 < len(seq) {
			yieldTo = seq[idx+1]
		}

		if err := e.breakers.Get(name).Allow(); err != nil {
			// An open circuit skips the stage rather than stalling the
			// whole phase.
			e.publishError(st.ThreadID, name, err.Error())
			st = st.Merge(state.Delta{
				Messages: []state.Message{state.NewMessage(state.RoleAgent, "System",
					fmt.Sprintf("Skipping %s: %v", name, err))},
				Next: state.Ptr(yieldTo),
			})
			step++
			if err := e.save(ctx, st, step); err != nil {
				return st, err
			}
			continue
		}

		var err error
		st, step, err = e.agentStep(ctx, st, step, yieldTo)
		if err != nil {
			return st, err
		}
		if st.RequiresApproval {
			e.logger.Info("workflow parked for approval",
				"thread_id", st.ThreadID, "phase", st.Phase, "step", step)
			return st, nil
		}
	}
}
