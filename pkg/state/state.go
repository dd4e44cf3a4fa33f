// Package state defines the conversation state threaded through every
// orchestration step and the merge semantics nodes use to update it.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Finish is the routing sentinel that terminates a run.
const Finish = "FINISH"

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleTool  = "tool"
)

// Artifact types produced by structured-output agents.
const (
	ArtifactPRD            = "prd"
	ArtifactTechPlan       = "tech_plan"
	ArtifactSecurityReview = "security_review"
	ArtifactCodeReview     = "code_review"
	ArtifactTestPlan       = "test_plan"
)

// SubTask statuses for the hierarchical mode.
const (
	SubTaskPending    = "pending"
	SubTaskInProgress = "in_progress"
	SubTaskCompleted  = "completed"
	SubTaskFailed     = "failed"
)

// Approval statuses for human-in-the-loop pauses.
const (
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Message is one entry in the append-only conversation transcript.
type Message struct {
	Role      string          `json:"role"`
	Author    string          `json:"author"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role, author, content string) Message {
	return Message{Role: role, Author: author, Content: content, Timestamp: time.Now().UTC()}
}

// Artifact is a typed structured output emitted by an agent.
// Artifacts never mutate once produced.
type Artifact struct {
	Type      string          `json:"type"`
	Agent     string          `json:"agent"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// SubTask is a unit of delegated work in the hierarchical mode.
type SubTask struct {
	ID          string     `json:"id"`
	Worker      string     `json:"worker"`
	Description string     `json:"description"`
	Context     string     `json:"context,omitempty"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// State is the shared value threaded through every super-step. Nodes never
// mutate it directly; they return a Delta that the executor merges.
type State struct {
	ThreadID     string     `json:"thread_id"`
	Messages     []Message  `json:"messages"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	Contributors []string   `json:"contributors,omitempty"`
	Next         string     `json:"next,omitempty"`
	TurnCount    int        `json:"turn_count"`
	AgentRetries map[string]int `json:"agent_retries,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	NeedsRetry   bool       `json:"needs_retry,omitempty"`

	// Hierarchical-mode fields; zero-valued in the linear mode.
	SubTasks          []SubTask `json:"sub_tasks,omitempty"`
	AggregatedResults []string  `json:"aggregated_results,omitempty"`
	SupervisorMode    bool      `json:"supervisor_mode,omitempty"`
	ParentTaskID      string    `json:"parent_task_id,omitempty"`

	// Human-in-the-loop fields.
	Phase            string `json:"phase,omitempty"`
	ApprovalStatus   string `json:"approval_status,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

// New initializes state for a fresh thread with the opening user message.
func New(threadID, userMessage string) *State {
	return &State{
		ThreadID:     threadID,
		Messages:     []Message{NewMessage(RoleUser, "user", userMessage)},
		AgentRetries: map[string]int{},
	}
}

// HasContributor reports whether the named agent has produced output.
func (s *State) HasContributor(name string) bool {
	for _, c := range s.Contributors {
		if c == name {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message, or a zero Message when the
// transcript is empty.
func (s *State) LastMessage() Message {
	if len(s.Messages) == 0 {
		return Message{}
	}
	return s.Messages[len(s.Messages)-1]
}

// LastUserMessage returns the content of the most recent user-role message.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Retries returns the retry counter for the named agent.
func (s *State) Retries(agent string) int {
	if s.AgentRetries == nil {
		return 0
	}
	return s.AgentRetries[agent]
}

// PendingSubTask returns the first sub-task still pending, or nil.
func (s *State) PendingSubTask() *SubTask {
	for i := range s.SubTasks {
		if s.SubTasks[i].Status == SubTaskPending {
			return &s.SubTasks[i]
		}
	}
	return nil
}

// SubTasksDone reports whether every sub-task reached a terminal status.
func (s *State) SubTasksDone() bool {
	for _, t := range s.SubTasks {
		if t.Status != SubTaskCompleted && t.Status != SubTaskFailed {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. The executor clones before handing state to a
// node so a prior checkpoint can never be aliased.
func (s *State) Clone() *State {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Artifacts = append([]Artifact(nil), s.Artifacts...)
	c.Contributors = append([]string(nil), s.Contributors...)
	c.SubTasks = append([]SubTask(nil), s.SubTasks...)
	c.AggregatedResults = append([]string(nil), s.AggregatedResults...)
	c.AgentRetries = make(map[string]int, len(s.AgentRetries))
	for k, v := range s.AgentRetries {
		c.AgentRetries[k] = v
	}
	return &c
}

// Encode serializes state to the checkpoint blob format.
func (s *State) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return b, nil
}

// Decode deserializes a checkpoint blob.
func Decode(b []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if s.AgentRetries == nil {
		s.AgentRetries = map[string]int{}
	}
	return &s, nil
}
