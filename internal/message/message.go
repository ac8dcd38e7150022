// Package message defines the wire envelope exchanged between agents and the
// closed set of payloads it can carry.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-hive/internal/fault"
)

// Role is the part an agent plays in the hive.
type Role string

const (
	RoleLeader       Role = "leader"
	RoleWorker       Role = "worker"
	RoleCollaborator Role = "collaborator"
	RoleCoordinator  Role = "coordinator"
	RoleMonitor      Role = "monitor"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleLeader, RoleWorker, RoleCollaborator, RoleCoordinator, RoleMonitor}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleLeader, RoleWorker, RoleCollaborator, RoleCoordinator, RoleMonitor:
		return true
	}
	return false
}

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	TypeTaskSubmit      Type = "task.submit"
	TypeTaskAssign      Type = "task.assign"
	TypeTaskAccept      Type = "task.accept"
	TypeTaskComplete    Type = "task.complete"
	TypeTaskFail        Type = "task.fail"
	TypeTaskCancel      Type = "task.cancel"
	TypeTaskStatus      Type = "task.status"
	TypeVoteRequest     Type = "vote.request"
	TypeVoteCast        Type = "vote.cast"
	TypeVoteResult      Type = "vote.result"
	TypeHeartbeat       Type = "status.heartbeat"
	TypeAgentRegister   Type = "agent.register"
	TypeAgentDeregister Type = "agent.deregister"
	TypeBrainstormIdea  Type = "brainstorm.idea"
)

// Types is the closed set of message types.
var Types = []Type{
	TypeTaskSubmit, TypeTaskAssign, TypeTaskAccept, TypeTaskComplete, TypeTaskFail,
	TypeTaskCancel, TypeTaskStatus, TypeVoteRequest, TypeVoteCast, TypeVoteResult,
	TypeHeartbeat, TypeAgentRegister, TypeAgentDeregister, TypeBrainstormIdea,
}

// Valid reports whether t belongs to the closed set.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is the unit that crosses the transport.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	SenderID      string          `json:"senderId"`
	SenderRole    Role            `json:"senderRole"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// New wraps p in an envelope stamped with a fresh id and the current time.
func New(senderID string, role Role, p Payload) (Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       p.Type(),
		SenderID:   senderID,
		SenderRole: role,
		Timestamp:  time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Correlate returns a copy of e that refers back to id.
func (e Envelope) Correlate(id string) Envelope {
	e.CorrelationID = id
	return e
}

// RoutingKey is the status channel key for e: "<role>.<type>".
func (e Envelope) RoutingKey() string {
	return RoutingKey(e.SenderRole, e.Type)
}

// RoutingKey builds a status routing key.
func RoutingKey(role Role, t Type) string {
	return string(role) + "." + string(t)
}

// Body decodes the payload into its concrete type. The switch is exhaustive
// over Types; an unknown type is a validation error.
func (e Envelope) Body() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypeTaskSubmit:
		p = &TaskSubmit{}
	case TypeTaskAssign:
		p = &TaskAssign{}
	case TypeTaskAccept:
		p = &TaskAccept{}
	case TypeTaskComplete:
		p = &TaskComplete{}
	case TypeTaskFail:
		p = &TaskFail{}
	case TypeTaskCancel:
		p = &TaskCancel{}
	case TypeTaskStatus:
		p = &TaskStatus{}
	case TypeVoteRequest:
		p = &VoteRequest{}
	case TypeVoteCast:
		p = &VoteCast{}
	case TypeVoteResult:
		p = &VoteResult{}
	case TypeHeartbeat:
		p = &Heartbeat{}
	case TypeAgentRegister:
		p = &AgentRegister{}
	case TypeAgentDeregister:
		p = &AgentDeregister{}
	case TypeBrainstormIdea:
		p = &BrainstormIdea{}
	default:
		return nil, fault.Invalid("type", "unknown message type %q", e.Type)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fault.Invalid("payload", "decode %s: %v", e.Type, err)
		}
	}
	return p, nil
}

// Marshal encodes e for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire envelope and rejects types outside the closed set.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fault.Invalid("envelope", "%v", err)
	}
	if !e.Type.Valid() {
		return Envelope{}, fault.Invalid("type", "unknown message type %q", e.Type)
	}
	return e, nil
}
