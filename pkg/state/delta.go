package state

// Delta is a partial-state update returned by a node. Slice fields append,
// Contributors unions, pointer scalars overwrite when non-nil, and
// AgentRetries merges key-wise. Nil pointers leave the previous value
// untouched, so a node can clear a flag by setting an explicit zero value.
type Delta struct {
	Messages          []Message
	Artifacts         []Artifact
	Contributors      []string
	SubTasks          []SubTask
	AggregatedResults []string

	Next             *string
	TurnCount        *int
	AgentRetries     map[string]int
	LastError        *string
	NeedsRetry       *bool
	SupervisorMode   *bool
	ParentTaskID     *string
	Phase            *string
	ApprovalStatus   *string
	RequiresApproval *bool

	// ReplaceSubTasks swaps the whole sub-task list instead of appending.
	// The dispatcher uses it to flip a task's status in place.
	ReplaceSubTasks bool

	// Surrendered notes that a self-loop node gave up at its retry ceiling.
	// Advisory to the executor's circuit accounting; not merged into state.
	Surrendered bool
}

// Merge applies a delta and returns the successor state. The receiver is
// not modified; prior messages and artifacts are preserved as a prefix of
// the result.
func (s *State) Merge(d Delta) *State {
	n := s.Clone()

	n.Messages = append(n.Messages, d.Messages...)
	n.Artifacts = append(n.Artifacts, d.Artifacts...)
	n.AggregatedResults = append(n.AggregatedResults, d.AggregatedResults...)

	if d.ReplaceSubTasks {
		n.SubTasks = append([]SubTask(nil), d.SubTasks...)
	} else {
		n.SubTasks = append(n.SubTasks, d.SubTasks...)
	}

	for _, c := range d.Contributors {
		if !n.HasContributor(c) {
			n.Contributors = append(n.Contributors, c)
		}
	}

	for agent, count := range d.AgentRetries {
		n.AgentRetries[agent] = count
	}

	if d.Next != nil {
		n.Next = *d.Next
	}
	if d.TurnCount != nil {
		n.TurnCount = *d.TurnCount
	}
	if d.LastError != nil {
		n.LastError = *d.LastError
	}
	if d.NeedsRetry != nil {
		n.NeedsRetry = *d.NeedsRetry
	}
	if d.SupervisorMode != nil {
		n.SupervisorMode = *d.SupervisorMode
	}
	if d.ParentTaskID != nil {
		n.ParentTaskID = *d.ParentTaskID
	}
	if d.Phase != nil {
		n.Phase = *d.Phase
	}
	if d.ApprovalStatus != nil {
		n.ApprovalStatus = *d.ApprovalStatus
	}
	if d.RequiresApproval != nil {
		n.RequiresApproval = *d.RequiresApproval
	}

	return n
}

// Ptr returns a pointer to v. Convenience for building delta scalar fields.
func Ptr[T any](v T) *T { return &v }
