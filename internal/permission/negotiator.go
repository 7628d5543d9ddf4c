// Package permission surfaces a task's pending permission prompt and relays
// the answer. It keeps no state of its own; the prompt lives on the task.
package permission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/task"
)

// Responder delivers a decision to the runtime. gateway.Gateway satisfies it.
type Responder interface {
	RespondToPermissionPrompt(ctx context.Context, id string, decision task.Decision) error
}

// Negotiator reads prompts from the registry and sends decisions through a
// Responder.
type Negotiator struct {
	registry  *task.Registry
	responder Responder
	policy    Policy
	logger    zerolog.Logger
}

// NewNegotiator creates a Negotiator. policy may be the zero value, which
// prompts for everything.
func NewNegotiator(registry *task.Registry, responder Responder, policy Policy, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		registry:  registry,
		responder: responder,
		policy:    policy,
		logger:    logger,
	}
}

// Prompt returns the task's pending prompt, if any.
func (n *Negotiator) Prompt(id string) (*task.PermissionPrompt, bool) {
	t, ok := n.registry.Get(id)
	if !ok || t.State != task.StateWaitingForPermission || t.PermissionPrompt == nil {
		return nil, false
	}
	return t.PermissionPrompt, true
}

// Respond sends the user's decision for the task's pending prompt.
func (n *Negotiator) Respond(ctx context.Context, id string, decision task.Decision) error {
	return n.responder.RespondToPermissionPrompt(ctx, id, decision)
}

// Resolve answers the pending prompt from the policy. It reports false when
// there is no prompt or the policy leaves the decision to the user.
func (n *Negotiator) Resolve(ctx context.Context, id string) (bool, error) {
	prompt, ok := n.Prompt(id)
	if !ok {
		return false, nil
	}

	var decision task.Decision
	switch mode := n.policy.Mode(*prompt); mode {
	case ModeAllow:
		decision = task.DecisionAllow
		if prompt.IsUnary {
			decision = task.DecisionAllowAll
		}
	case ModeDeny:
		decision = task.DecisionDeny
	default:
		return false, nil
	}

	n.logger.Info().
		Str("task_id", id).
		Str("api", prompt.APIName).
		Str("name", prompt.Name).
		Str("decision", string(decision)).
		Msg("permission decided by policy")

	if err := n.Respond(ctx, id, decision); err != nil {
		return false, fmt.Errorf("apply policy decision: %w", err)
	}
	return true, nil
}
