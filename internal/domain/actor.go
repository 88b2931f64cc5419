package domain

// Capability is one permission in an actor's capability set. Identity and
// role storage live outside the engine; requests arrive with the set already
// resolved.
type Capability string

const (
	CapPlaceOrder      Capability = "order:place"
	CapRequestCancel   Capability = "order:cancel-request"
	CapConfirmDelivery Capability = "delivery:confirm"
	CapVerifyPayment   Capability = "payment:verify"
	CapFulfil          Capability = "order:fulfil"
	CapExecuteRefund   Capability = "refund:execute"
)

// CapabilitySet is checked by the transition policy via membership, not
// scattered role conditionals.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// HasAny reports whether the set contains at least one of caps.
func (s CapabilitySet) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Actor is the caller of a transition.
type Actor struct {
	ID           string
	Capabilities CapabilitySet
}

// CustomerCapabilities is the default set for shoppers.
func CustomerCapabilities() CapabilitySet {
	return NewCapabilitySet(CapPlaceOrder, CapRequestCancel, CapConfirmDelivery)
}

// StaffCapabilities is the default set for back-office staff.
func StaffCapabilities() CapabilitySet {
	return NewCapabilitySet(
		CapPlaceOrder,
		CapRequestCancel,
		CapConfirmDelivery,
		CapVerifyPayment,
		CapFulfil,
		CapExecuteRefund,
	)
}
