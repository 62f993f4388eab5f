package core

import (
	"cosmos/engine/policy"
	"time"
)

// gatePrompter implements policy.Prompter by round-tripping through the same
// PermissionRequestEvent/PermissionResponse/PermissionTimeoutEvent pair the
// UI's permission modal already understands, rather than inventing a second
// prompt channel for the approvals gate.
type gatePrompter struct {
	notifier Notifier
	timeout  time.Duration
}

// NewGatePrompter builds a policy.Prompter backed by notifier. timeout <= 0
// falls back to a 30-second default, the same value app/bootstrap.go uses
// when no permission timeout is configured.
func NewGatePrompter(notifier Notifier, timeout time.Duration) policy.Prompter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &gatePrompter{notifier: notifier, timeout: timeout}
}

// Prompt sends a PermissionRequestEvent and blocks until the UI responds on
// ResponseChan or timeout elapses, mapping the result back to a policy.Choice.
// "Remember" maps to whichever persistent scope the request actually offers
// (project over global over session), since PermissionResponse only carries
// a single boolean rather than the gate's full scope enumeration.
func (p *gatePrompter) Prompt(req policy.ConfirmRequest) (policy.Choice, string, error) {
	callID := req.Tag + "\x00" + req.Subject
	respCh := make(chan PermissionResponse, 1)

	p.notifier.Send(PermissionRequestEvent{
		ToolCallID:   callID,
		ToolName:     req.Tag,
		Permission:   req.Tag,
		Description:  describeConfirmRequest(req),
		Timeout:      int(p.timeout.Seconds()),
		DefaultAllow: false,
		ResponseChan: respCh,
	})

	select {
	case resp := <-respCh:
		return choiceFromResponse(req, resp), "", nil
	case <-time.After(p.timeout):
		close(respCh)
		p.notifier.Send(PermissionTimeoutEvent{ToolCallID: callID, Allowed: false})
		return policy.ChoiceDeny, "", nil
	}
}

func choiceFromResponse(req policy.ConfirmRequest, resp PermissionResponse) policy.Choice {
	if !resp.Allowed {
		return policy.ChoiceDeny
	}
	if !resp.Remember {
		return policy.ChoiceOnce
	}
	switch {
	case req.OfferProject:
		return policy.ChoiceProject
	case req.OfferGlobal:
		return policy.ChoiceGlobal
	default:
		return policy.ChoiceSession
	}
}

func describeConfirmRequest(req policy.ConfirmRequest) string {
	if req.Subject == "" {
		return req.Message
	}
	return req.Message + ": " + req.Subject
}
