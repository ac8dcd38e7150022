package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
)

// Action names a privileged operation.
type Action string

const (
	ActionVoteInitiate Action = "vote.initiate"
	ActionTaskOverride Action = "task.override"
)

// Authorizer decides whether an agent may perform action on resource.
type Authorizer interface {
	Authorize(ctx context.Context, agentID string, action Action, resource string) bool
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, Action, string) bool { return true }

// RoleLookup resolves an agent's role.
type RoleLookup interface {
	RoleOf(agentID string) (message.Role, bool)
}

// DefaultRules lets leaders and coordinators open votes and override
// assignments.
func DefaultRules() map[Action][]message.Role {
	return map[Action][]message.Role{
		ActionVoteInitiate: {message.RoleLeader, message.RoleCoordinator},
		ActionTaskOverride: {message.RoleLeader, message.RoleCoordinator},
	}
}

// RoleAuthorizer allows an action when the caller's current role is listed
// for it. Unknown agents and unlisted actions are denied.
type RoleAuthorizer struct {
	lookup RoleLookup
	rules  map[Action][]message.Role
	logger *zap.Logger
}

// NewRoleAuthorizer creates a role-based authorizer. Nil rules means
// DefaultRules.
func NewRoleAuthorizer(lookup RoleLookup, rules map[Action][]message.Role, logger *zap.Logger) *RoleAuthorizer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RoleAuthorizer{lookup: lookup, rules: rules, logger: logger}
}

func (a *RoleAuthorizer) Authorize(_ context.Context, agentID string, action Action, resource string) bool {
	role, ok := a.lookup.RoleOf(agentID)
	if ok {
		for _, allowed := range a.rules[action] {
			if role == allowed {
				return true
			}
		}
	}
	a.logger.Info("authorization denied",
		zap.String("agent", agentID),
		zap.String("action", string(action)),
		zap.String("resource", resource))
	return false
}
