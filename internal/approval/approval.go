// Package approval implements the single-pending interactive approval
// contract the access server consults before every secret-touching
// request.
package approval

import (
	"context"
	"sync"

	"github.com/lockboxhq/secretd/internal/logger"
)

// Action is the kind of access being requested.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Decision is the outcome of a resolved approval request.
type Decision struct {
	Approved bool
	Reason   string
}

// Broker obtains a human yes/no before secret-touching access. At most
// one request is ever in flight per Broker; a second concurrent call
// blocks until the first resolves rather than being rejected.
type Broker interface {
	RequestApproval(ctx context.Context, projectName string, keys []string, action Action) (Decision, error)
}

// DecisionFunc is the injected capability that actually prompts a user
// (or, in tests, a canned decision). The UI layer supplies this; the
// core never specifies how a prompt is rendered.
type DecisionFunc func(projectName string, keys []string, action Action) (approved bool, reason string)

// CallbackBroker is the one concrete Broker: it serializes concurrent
// requests behind a mutex and delegates the actual decision to an
// injected DecisionFunc, logging the outcome via internal/logger.
type CallbackBroker struct {
	decide DecisionFunc
	logger *logger.Logger

	mu sync.Mutex
}

// NewCallbackBroker returns a Broker that calls decide for every
// request and records the outcome through log. log may be nil if it is
// not yet constructed; wire it in later with SetLogger.
func NewCallbackBroker(decide DecisionFunc, log *logger.Logger) *CallbackBroker {
	return &CallbackBroker{decide: decide, logger: log}
}

// SetLogger wires (or replaces) the logger the broker records outcomes
// to. It exists because the composition root typically constructs the
// broker before the kernel's own logger, which the broker must share.
func (b *CallbackBroker) SetLogger(log *logger.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = log
}

// RequestApproval serializes on b.mu so only one prompt is ever pending,
// calls the injected decision function, and logs the resolution with
// the full key list joined by ", ".
func (b *CallbackBroker) RequestApproval(ctx context.Context, projectName string, keys []string, action Action) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(keys) == 0 {
		return Decision{Approved: true}, nil
	}

	approved, reason := b.decide(projectName, keys, action)
	decision := Decision{Approved: approved, Reason: reason}

	if b.logger != nil {
		outcome := "Access denied"
		if approved {
			outcome = "Access approved"
		}
		b.logger.LogAccess(outcome+": "+string(action), projectName, keys)
	}

	return decision, nil
}

// AutoApproveBroker is a test double that approves every request
// without prompting.
type AutoApproveBroker struct{}

func (AutoApproveBroker) RequestApproval(ctx context.Context, projectName string, keys []string, action Action) (Decision, error) {
	return Decision{Approved: true}, nil
}

// AutoDenyBroker is a test double that denies every request without
// prompting.
type AutoDenyBroker struct {
	Reason string
}

func (b AutoDenyBroker) RequestApproval(ctx context.Context, projectName string, keys []string, action Action) (Decision, error) {
	reason := b.Reason
	if reason == "" {
		reason = "denied by test double"
	}
	return Decision{Approved: false, Reason: reason}, nil
}
