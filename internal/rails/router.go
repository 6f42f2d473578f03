package rails

import "agentgateway/internal/models"

// SelectionInput is the context a routing decision is made from.
type SelectionInput struct {
	Amount             int64
	RiskTier           models.RiskTier
	PolicyRailFlags    models.RailFlags
	VendorDirectEnabled bool
	DirectMaxAmount    int64
}

// Decision records which rail was chosen and why, for audit.
type Decision struct {
	Rail   models.Rail
	Reason string
}

// Select applies the spec §4.6 rules in order; the first true condition
// wins, everything else falls through to the card rail.
func Select(in SelectionInput) Decision {
	if in.Amount > in.DirectMaxAmount {
		return Decision{Rail: models.RailCard, Reason: "amount exceeds direct rail maximum"}
	}
	if !in.PolicyRailFlags.Direct {
		return Decision{Rail: models.RailCard, Reason: "policy does not permit the direct rail"}
	}
	if !in.VendorDirectEnabled {
		return Decision{Rail: models.RailCard, Reason: "vendor has no enabled direct endpoint"}
	}
	if in.RiskTier == models.RiskHigh {
		return Decision{Rail: models.RailCard, Reason: "agent risk tier is HIGH"}
	}
	return Decision{Rail: models.RailDirect, Reason: "eligible for direct settlement"}
}

// Router dispatches to the adapter matching a Decision.
type Router struct {
	Card   Adapter
	Direct Adapter
}

func (r *Router) Adapter(rail models.Rail) Adapter {
	if rail == models.RailDirect {
		return r.Direct
	}
	return r.Card
}
