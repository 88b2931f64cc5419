// Package policy is the single source of truth for which lifecycle action is
// legal from a given order state. The engine consults it before mutating and
// presentation layers consult it to decide which controls to show; neither
// re-derives allowed actions on its own.
package policy

import (
	"github.com/shoplite/fulfillment/internal/domain"
)

// Flow selects which branch of the lifecycle graph the caller is walking.
type Flow string

const (
	FlowFulfilment    Flow = "fulfilment"
	FlowRefund        Flow = "refund"
	FlowCancelRequest Flow = "cancel-request"
)

// ValidFlow reports whether f is a known flow.
func ValidFlow(f Flow) bool {
	return f == FlowFulfilment || f == FlowRefund || f == FlowCancelRequest
}

// Context carries everything Decide needs: the order's position, the
// requested flow, the caller's capability set, and the state-resident guard
// facts. Guards whose data arrives with the request itself (tracking number,
// cancellation reason, refund proof) are validated by the engine against the
// payload and are not part of the context.
type Context struct {
	Status          domain.OrderStatus
	Flow            Flow
	Caps            domain.CapabilitySet
	HasPaymentProof bool
	LineCount       int
}

// Directive tells the caller what can happen next. ActionEnabled is true only
// when the capability check passes and every state-resident guard is
// currently satisfied.
type Directive struct {
	NextStep      domain.OrderStatus `json:"allowedNextStep,omitempty"`
	PrevStep      domain.OrderStatus `json:"allowedPrevStep,omitempty"`
	ActionLabel   string             `json:"actionLabel,omitempty"`
	ActionEnabled bool               `json:"actionEnabled"`
	Persistable   bool               `json:"isPersistable"`
	CancelAllowed bool               `json:"cancelAllowed"`
	// GuardUnmet names the missing state-resident precondition, empty when
	// satisfied. Surfaced so the UI can prompt for the missing input.
	GuardUnmet string `json:"guardUnmet,omitempty"`
	// RequiredCapabilities lists the capabilities of which the caller needs
	// at least one.
	RequiredCapabilities []domain.Capability `json:"-"`
}

type step struct {
	next  domain.OrderStatus
	prev  domain.OrderStatus
	label string
	caps  []domain.Capability
	guard func(Context) string // returns the unmet-guard message, "" when satisfied
}

func guardPaymentProof(pc Context) string {
	if !pc.HasPaymentProof {
		return "payment proof not attached"
	}
	return ""
}

func guardHasLines(pc Context) string {
	if pc.LineCount < 1 {
		return "order has no line items"
	}
	return ""
}

// fulfilmentSteps is the normal happy path. It mirrors the transition graph
// in domain.AllowedTransitions exactly; policyAgreesWithGraph in the tests
// pins that.
var fulfilmentSteps = map[domain.OrderStatus]step{
	domain.StatusAwaitingPayment: {
		next:  domain.StatusPending,
		label: "Verify payment",
		caps:  []domain.Capability{domain.CapVerifyPayment},
		guard: guardPaymentProof,
	},
	domain.StatusPending: {
		next:  domain.StatusPreparing,
		prev:  domain.StatusAwaitingPayment,
		label: "Confirm order",
		caps:  []domain.Capability{domain.CapFulfil},
		guard: guardHasLines,
	},
	domain.StatusPreparing: {
		next:  domain.StatusShipped,
		prev:  domain.StatusPending,
		label: "Confirm shipment",
		caps:  []domain.Capability{domain.CapFulfil},
	},
	domain.StatusShipped: {
		next:  domain.StatusDelivered,
		prev:  domain.StatusPreparing,
		label: "Confirm delivery",
		caps:  []domain.Capability{domain.CapConfirmDelivery, domain.CapFulfil},
	},
}

// refundSteps is the refund branch.
var refundSteps = map[domain.OrderStatus]step{
	domain.StatusCancelRequested: {
		next:  domain.StatusRefunding,
		label: "Start refund",
		caps:  []domain.Capability{domain.CapExecuteRefund},
	},
	domain.StatusRefunding: {
		next:  domain.StatusRefunded,
		prev:  domain.StatusCancelRequested,
		label: "Complete refund",
		caps:  []domain.Capability{domain.CapExecuteRefund},
	},
}

// Decide is pure and total: every status/flow combination yields a directive,
// unmapped combinations yield one with no action allowed.
func Decide(pc Context) Directive {
	var st step
	var ok bool

	switch pc.Flow {
	case FlowFulfilment:
		st, ok = fulfilmentSteps[pc.Status]
	case FlowRefund:
		st, ok = refundSteps[pc.Status]
	case FlowCancelRequest:
		return cancelRequestDirective(pc)
	}

	d := Directive{CancelAllowed: cancelAllowed(pc)}
	if !ok {
		return d
	}

	d.NextStep = st.next
	d.PrevStep = st.prev
	d.ActionLabel = st.label
	d.RequiredCapabilities = st.caps
	if st.guard != nil {
		d.GuardUnmet = st.guard(pc)
	}
	capsOK := pc.Caps.HasAny(st.caps...)
	d.ActionEnabled = capsOK && d.GuardUnmet == ""
	d.Persistable = d.ActionEnabled
	return d
}

var cancelCaps = []domain.Capability{domain.CapRequestCancel, domain.CapFulfil}

func cancelRequestDirective(pc Context) Directive {
	d := Directive{CancelAllowed: cancelAllowed(pc)}
	target, ok := domain.CancellationTarget(pc.Status)
	if !ok {
		return d
	}

	d.NextStep = target
	d.RequiredCapabilities = cancelCaps
	if target == domain.StatusCancelled {
		d.ActionLabel = "Cancel order"
	} else {
		d.ActionLabel = "Request cancellation"
	}
	d.ActionEnabled = pc.Caps.HasAny(cancelCaps...)
	d.Persistable = d.ActionEnabled
	return d
}

func cancelAllowed(pc Context) bool {
	if _, ok := domain.CancellationTarget(pc.Status); !ok {
		return false
	}
	return pc.Caps.HasAny(cancelCaps...)
}
