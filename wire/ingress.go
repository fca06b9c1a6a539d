package wire

import (
	"fmt"

	"github.com/coreinfer/schedcore/core"
)

// IngressMessage is the wire-serializable counterpart of core.IngressEvent
// (spec §5 "suspension points" — the ingress service delivering these is an
// explicit non-goal per §1; only the payload shape is typed here). Exactly
// one of NewRequest or Abort is set.
type IngressMessage struct {
	NewRequest *NewRequestPayload `json:"new_request,omitempty"`
	Abort      *AbortPayload      `json:"abort,omitempty"`
}

// NewRequestPayload mirrors core.NewRequestEvent.
type NewRequestPayload struct {
	PromptTokens []uint32           `json:"prompt_tokens"`
	Sampling     core.SamplingParams `json:"sampling"`
}

// AbortPayload mirrors core.AbortEvent.
type AbortPayload struct {
	ReqUID string `json:"req_uid"`
}

// ToEvent converts a wire message into the core.IngressEvent the Scheduler
// consumes, decoding the request's uuid string (AbortPayload) where present.
func (m IngressMessage) ToEvent() (core.IngressEvent, error) {
	switch {
	case m.NewRequest != nil:
		tokens := make(core.TokenVec, len(m.NewRequest.PromptTokens))
		for i, t := range m.NewRequest.PromptTokens {
			tokens[i] = core.TokenID(t)
		}
		return core.NewRequestEvent{Prompt: tokens, Sampling: m.NewRequest.Sampling}, nil

	case m.Abort != nil:
		id, err := core.ParseReqID(m.Abort.ReqUID)
		if err != nil {
			return nil, fmt.Errorf("ingress message: %w", err)
		}
		return core.AbortEvent{ReqID: id}, nil

	default:
		return nil, fmt.Errorf("ingress message: neither new_request nor abort set")
	}
}

// AdmissionReply is sent back to the ingress layer once a NewRequestPayload
// has been admitted, carrying the assigned ReqUID for correlation with
// later Termination/abort traffic.
type AdmissionReply struct {
	ReqUID string `json:"req_uid"`
}

// NewAdmissionReplies builds one AdmissionReply per request PrepareStep
// admitted from ingress this step (core.StepResult.Admitted), in the same
// arrival order, for the caller to hand back to the ingress layer.
func NewAdmissionReplies(sr *core.StepResult) []AdmissionReply {
	if len(sr.Admitted) == 0 {
		return nil
	}
	out := make([]AdmissionReply, len(sr.Admitted))
	for i, id := range sr.Admitted {
		out[i] = AdmissionReply{ReqUID: id.String()}
	}
	return out
}
