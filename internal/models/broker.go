package models

// BrokerDecision is the three-valued answer of the broker's HTTP auth backend.
type BrokerDecision int

const (
	BrokerDeny BrokerDecision = iota
	BrokerAllow
	BrokerAllowManagement
)

func (d BrokerDecision) String() string {
	switch d {
	case BrokerAllow:
		return "allow"
	case BrokerAllowManagement:
		return "allow management"
	default:
		return "deny"
	}
}
