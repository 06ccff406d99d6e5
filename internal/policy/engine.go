package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agent-gatekeeper/internal/ratelimit"
)

// Options configure a new Engine. Zero values fall back to the
// in-memory limiter and the system rate defaults.
type Options struct {
	Limiter       ratelimit.Limiter
	DefaultLimit  int
	DefaultWindow time.Duration

	// BootstrapOpen allows every request while zero policies are
	// registered. Off by default: an unconfigured engine denies.
	BootstrapOpen bool
}

// Engine answers "is this action allowed for this context?" from an
// ordered policy set. Policies are consulted in insertion order, rules
// in declaration order, and the first full match decides. A rate limit
// gate runs before any rule matching and short-circuits on denial.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	order    []string

	limiter       ratelimit.Limiter
	defaultLimit  int
	defaultWindow time.Duration
	bootstrapOpen bool
}

func NewEngine(opts Options) *Engine {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemory()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = ratelimit.DefaultLimit
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = ratelimit.DefaultWindow
	}
	return &Engine{
		policies:      make(map[string]Policy),
		limiter:       opts.Limiter,
		defaultLimit:  opts.DefaultLimit,
		defaultWindow: opts.DefaultWindow,
		bootstrapOpen: opts.BootstrapOpen,
	}
}

// AddPolicy inserts or replaces a policy by ID. Replacement keeps the
// original creation time and position in evaluation order. Rules are
// not validated: a malformed rule never matches, it does not error.
func (e *Engine) AddPolicy(p Policy) {
	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.policies[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = now
		e.policies[p.ID] = p.clone()
		log.Debug().Str("policy_id", p.ID).Int("rules", len(p.Rules)).Msg("policy replaced")
		return
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	e.policies[p.ID] = p.clone()
	e.order = append(e.order, p.ID)
	log.Debug().Str("policy_id", p.ID).Int("rules", len(p.Rules)).Msg("policy added")
}

func (e *Engine) RemovePolicy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[id]; !ok {
		return false
	}
	delete(e.policies, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	log.Debug().Str("policy_id", id).Msg("policy removed")
	return true
}

func (e *Engine) GetPolicy(id string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.policies[id]
	if !ok {
		return Policy{}, false
	}
	return p.clone(), true
}

// Policies returns a snapshot in evaluation order.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.policies[id].clone())
	}
	return out
}

// Evaluate runs the full decision pipeline: rate gate, then ordered
// first-match rule evaluation. No match means deny.
func (e *Engine) Evaluate(ec EvalContext) Decision {
	limit, window, gateRuleID := e.rateParams(ec)
	if !e.limiter.Allow(ratelimit.Key(ec.SessionID, ec.IPAddress), limit, window) {
		return Decision{RuleID: gateRuleID, Reason: "rate limit exceeded", RateLimited: true}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.order) == 0 {
		if e.bootstrapOpen {
			return Decision{Allowed: true, Reason: "no policies registered, bootstrap mode open"}
		}
		return Decision{Reason: "no policies registered"}
	}

	for _, id := range e.order {
		p := e.policies[id]
		for _, r := range p.Rules {
			if r.Type != ec.Action {
				continue
			}
			if !matchResource(r.Resource, ec.Resource) {
				continue
			}
			if !conditionsHold(r.Conditions, ec) {
				continue
			}
			if r.Effect == EffectAllow {
				return Decision{Allowed: true, RuleID: r.ID, Reason: "matched allow rule"}
			}
			return Decision{RuleID: r.ID, Reason: "matched deny rule"}
		}
	}
	return Decision{Reason: "no matching rule"}
}

// IsActionAllowed is the boolean face of Evaluate.
func (e *Engine) IsActionAllowed(ec EvalContext) bool {
	return e.Evaluate(ec).Allowed
}

// RateLimitStatus reports the context's remaining budget under the same
// limit and window the gate would apply. Read-only.
func (e *Engine) RateLimitStatus(ec EvalContext) ratelimit.Status {
	limit, window, _ := e.rateParams(ec)
	return e.limiter.Status(ratelimit.Key(ec.SessionID, ec.IPAddress), limit, window)
}

// ResetRateLimit restores the context's full budget immediately.
func (e *Engine) ResetRateLimit(ec EvalContext) {
	e.limiter.Reset(ratelimit.Key(ec.SessionID, ec.IPAddress))
}

// rateParams resolves the limit and window the gate applies to this
// context: the first matching rateLimit rule wins, otherwise the
// engine defaults.
func (e *Engine) rateParams(ec EvalContext) (int, time.Duration, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, id := range e.order {
		p := e.policies[id]
		for _, r := range p.Rules {
			if r.Type != ActionRateLimit {
				continue
			}
			if !matchResource(r.Resource, ec.Resource) {
				continue
			}
			if !conditionsHold(r.Conditions, ec) {
				continue
			}
			limit, window := e.defaultLimit, e.defaultWindow
			for _, c := range r.Conditions {
				if c.Kind != CondRateLimit {
					continue
				}
				n, ok := c.Value.Int64()
				if !ok {
					continue
				}
				switch c.Op {
				case OpLimit:
					limit = int(n)
				case OpWindow:
					window = time.Duration(n) * time.Millisecond
				}
			}
			return limit, window, r.ID
		}
	}
	return e.defaultLimit, e.defaultWindow, ""
}

// matchResource implements the whole pattern language: "*" matches
// everything, a trailing "*" matches by prefix, anything else is exact.
func matchResource(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == resource
}

func conditionsHold(conds []Condition, ec EvalContext) bool {
	for _, c := range conds {
		if !conditionHolds(c, ec) {
			return false
		}
	}
	return true
}

func conditionHolds(c Condition, ec EvalContext) bool {
	var field string
	switch c.Kind {
	case CondIPAddress:
		field = ec.IPAddress
	case CondSessionID:
		field = ec.SessionID
	case CondTimeRange:
		// Accepted for wire compatibility, not evaluated.
		return true
	case CondRateLimit:
		// Parameters for the rate gate, unconditional at match time.
		return true
	default:
		return false
	}
	return compare(field, c.Op, c.Value.String())
}

func compare(field string, op Operator, want string) bool {
	switch op {
	case OpEquals:
		return field == want
	case OpNotEquals:
		return field != want
	case OpContains:
		return strings.Contains(field, want)
	case OpStartsWith:
		return strings.HasPrefix(field, want)
	case OpEndsWith:
		return strings.HasSuffix(field, want)
	case OpGreaterThan:
		return field > want
	case OpLessThan:
		return field < want
	default:
		return false
	}
}

func (p Policy) clone() Policy {
	out := p
	out.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		out.Rules[i] = r
		if len(r.Conditions) > 0 {
			out.Rules[i].Conditions = append([]Condition(nil), r.Conditions...)
		}
	}
	return out
}

// DefaultPolicy is the permissive bootstrap policy: allow all file
// access and command execution, rate limited to 100 requests per
// minute. Development deployments only.
func DefaultPolicy() Policy {
	return Policy{
		ID:          "default",
		Name:        "Default gatekeeper policy",
		Description: "Permissive bootstrap policy for development deployments.",
		Rules: []Rule{
			{ID: "default-file-access", Type: ActionFileAccess, Effect: EffectAllow, Resource: "*"},
			{ID: "default-command-execution", Type: ActionCommandExecution, Effect: EffectAllow, Resource: "*"},
			{
				ID: "default-rate-limit", Type: ActionRateLimit, Effect: EffectAllow, Resource: "*",
				Conditions: []Condition{
					{Kind: CondRateLimit, Op: OpLimit, Value: IntValue(100)},
					{Kind: CondRateLimit, Op: OpWindow, Value: IntValue(60000)},
				},
			},
		},
	}
}
