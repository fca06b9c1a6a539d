package core

// IngressEvent is one item drained from the ingress channel at the start of
// a step (spec §4.4 step 1, §5 "suspension points"). The ingress service
// itself (transport, framing) is out of scope here — only this shape.
type IngressEvent interface {
	isIngressEvent()
}

// NewRequestEvent admits prompt under sampling, entering Waiting state in
// arrival order.
type NewRequestEvent struct {
	Prompt   TokenVec
	Sampling SamplingParams
}

func (NewRequestEvent) isIngressEvent() {}

// AbortEvent cancels an in-flight request (spec §5 "Cancellation").
type AbortEvent struct {
	ReqID ReqID
}

func (AbortEvent) isIngressEvent() {}
