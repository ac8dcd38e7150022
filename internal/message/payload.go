package message

import (
	"encoding/json"
	"time"
)

// Payload is the tagged union carried by an Envelope.
type Payload interface {
	Type() Type
}

// TaskSubmit asks the leader to enqueue a task.
type TaskSubmit struct {
	TaskID     string          `json:"taskId,omitempty"`
	Title      string          `json:"title"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
	TimeoutMS  int64           `json:"timeoutMs,omitempty"`
}

// TaskAssign is the queue entry a worker consumes.
type TaskAssign struct {
	TaskID    string          `json:"taskId"`
	Title     string          `json:"title"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  int             `json:"priority"`
	Attempt   int             `json:"attempt"`
	TimeoutMS int64           `json:"timeoutMs,omitempty"`
}

// TaskAccept tells the leader a worker picked up an attempt.
type TaskAccept struct {
	TaskID  string `json:"taskId"`
	Attempt int    `json:"attempt"`
}

// TaskComplete reports a successful attempt.
type TaskComplete struct {
	TaskID  string          `json:"taskId"`
	Attempt int             `json:"attempt"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// TaskFail reports a failed attempt.
type TaskFail struct {
	TaskID    string `json:"taskId"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// TaskCancel is an advisory cancellation broadcast.
type TaskCancel struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskStatus is emitted on every task transition.
type TaskStatus struct {
	TaskID     string          `json:"taskId"`
	Status     string          `json:"status"`
	AgentID    string          `json:"agentId,omitempty"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retryCount"`
	Reason     string          `json:"reason,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// VoteRequest invites collaborators into a session.
type VoteRequest struct {
	SessionID string   `json:"sessionId"`
	Topic     string   `json:"topic"`
	Options   []string `json:"options"`
	Algorithm string   `json:"algorithm"`
	Budget    float64  `json:"budget,omitempty"`
}

// VoteCast carries one agent's ballot. Its shape depends on the algorithm.
type VoteCast struct {
	SessionID string          `json:"sessionId"`
	Vote      json.RawMessage `json:"vote"`
}

// VoteResult announces a closed session.
type VoteResult struct {
	SessionID        string  `json:"sessionId"`
	Outcome          string  `json:"outcome"`
	Winner           string  `json:"winner,omitempty"`
	WinnerPercentage float64 `json:"winnerPercentage,omitempty"`
}

// Heartbeat is published by every agent at a fixed interval.
type Heartbeat struct {
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	SentAt        time.Time `json:"sentAt"`
}

// AgentRegister announces an agent joining the hive.
type AgentRegister struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
}

// AgentDeregister announces an orderly departure.
type AgentDeregister struct {
	Reason string `json:"reason,omitempty"`
}

// BrainstormIdea is a free-form contribution broadcast to collaborators.
type BrainstormIdea struct {
	Topic string `json:"topic"`
	Idea  string `json:"idea"`
}

func (*TaskSubmit) Type() Type      { return TypeTaskSubmit }
func (*TaskAssign) Type() Type      { return TypeTaskAssign }
func (*TaskAccept) Type() Type      { return TypeTaskAccept }
func (*TaskComplete) Type() Type    { return TypeTaskComplete }
func (*TaskFail) Type() Type        { return TypeTaskFail }
func (*TaskCancel) Type() Type      { return TypeTaskCancel }
func (*TaskStatus) Type() Type      { return TypeTaskStatus }
func (*VoteRequest) Type() Type     { return TypeVoteRequest }
func (*VoteCast) Type() Type        { return TypeVoteCast }
func (*VoteResult) Type() Type      { return TypeVoteResult }
func (*Heartbeat) Type() Type       { return TypeHeartbeat }
func (*AgentRegister) Type() Type   { return TypeAgentRegister }
func (*AgentDeregister) Type() Type { return TypeAgentDeregister }
func (*BrainstormIdea) Type() Type  { return TypeBrainstormIdea }
