package policy

import (
	"errors"
	"fmt"
	"sync"
)

// Choice is one of the options a Prompter can return from an interactive
// confirm prompt.
type Choice int

const (
	ChoiceOnce Choice = iota
	ChoiceSession
	ChoiceProject
	ChoiceGlobal
	ChoiceDeny
	ChoiceDenyWithFeedback
)

// ConfirmRequest describes one pending approval, along with which scopes are
// offered to the prompter (Project/Global are only offered when the caller
// marked the request persistent, and Project only when a project is
// selected).
type ConfirmRequest struct {
	Tag          string // permission resource:action, e.g. "fs:write"
	Subject      string // target, e.g. a file glob or "net:http" host
	Message      string
	Detail       string
	OfferGlobal  bool
	OfferProject bool
}

// Prompter renders an interactive approval prompt and returns the user's
// choice, plus free-text feedback when the choice is ChoiceDenyWithFeedback.
type Prompter interface {
	Prompt(req ConfirmRequest) (Choice, string, error)
}

// ErrNonInteractive is returned by Confirm when no Prompter is available and
// no prior scope already holds a decision.
var ErrNonInteractive = errors.New("policy: approval required but no interactive prompter is available")

// DenialError is returned when a request is denied, carrying the user's
// optional feedback.
type DenialError struct {
	Feedback string
}

func (e *DenialError) Error() string {
	if e.Feedback != "" {
		return "policy: denied: " + e.Feedback
	}
	return "policy: denied"
}

// Gate is the approvals broker (C5): confirm(tag, subject, ...) checks the
// session scope, then the project scope, then the global scope, prompting
// only on a full miss.
type Gate struct {
	mu           sync.Mutex
	session      map[string]bool // key -> approved, process-lifetime only
	autoApproved map[string]bool
	project      *Evaluator // persisted to the project's policy file
	global       *Evaluator // persisted to a global (per-user) policy file
	prompter     Prompter   // nil in non-interactive environments
}

// NewGate builds a Gate backed by project and global policy files. Either
// evaluator may be nil if that scope is unavailable (e.g. no project
// selected).
func NewGate(project, global *Evaluator, prompter Prompter) *Gate {
	return &Gate{
		session:      make(map[string]bool),
		autoApproved: make(map[string]bool),
		project:      project,
		global:       global,
		prompter:     prompter,
	}
}

func gateKey(tag, subject string) string { return tag + "\x00" + subject }

// EnableAutoApproval records a bypass: every subsequent Confirm for this
// exact (tag, subject) short-circuits to approved for the process lifetime,
// without consulting any scope or prompting.
func (g *Gate) EnableAutoApproval(tag, subject string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoApproved[gateKey(tag, subject)] = true
}

// Confirm brokers one approval request. persistent controls whether the
// global (and, if a project evaluator is configured, project) options are
// offered to the prompter; the deny path never persists.
func (g *Gate) Confirm(tag, subject, message, detail string, persistent bool) (bool, error) {
	key := gateKey(tag, subject)

	g.mu.Lock()
	if g.autoApproved[key] {
		g.mu.Unlock()
		return true, nil
	}
	if approved, ok := g.session[key]; ok {
		g.mu.Unlock()
		return approved, nil
	}
	g.mu.Unlock()

	if approved, ok := g.lookupPersisted(g.project, tag, subject); ok {
		return approved, nil
	}
	if approved, ok := g.lookupPersisted(g.global, tag, subject); ok {
		return approved, nil
	}

	if g.prompter == nil {
		return false, ErrNonInteractive
	}

	req := ConfirmRequest{
		Tag:          tag,
		Subject:      subject,
		Message:      message,
		Detail:       detail,
		OfferGlobal:  persistent,
		OfferProject: persistent && g.project != nil,
	}
	choice, feedback, err := g.prompter.Prompt(req)
	if err != nil {
		return false, fmt.Errorf("policy: prompt failed: %w", err)
	}

	switch choice {
	case ChoiceOnce:
		return true, nil
	case ChoiceSession:
		g.mu.Lock()
		g.session[key] = true
		g.mu.Unlock()
		return true, nil
	case ChoiceProject:
		if g.project == nil {
			return false, fmt.Errorf("policy: no project selected for a project-scoped approval")
		}
		if err := g.project.RecordOnceDecision(tag, subject, true); err != nil {
			return false, err
		}
		return true, nil
	case ChoiceGlobal:
		if g.global == nil {
			return false, fmt.Errorf("policy: no global policy store configured")
		}
		if err := g.global.RecordOnceDecision(tag, subject, true); err != nil {
			return false, err
		}
		return true, nil
	case ChoiceDenyWithFeedback:
		return false, &DenialError{Feedback: feedback}
	default: // ChoiceDeny
		return false, &DenialError{}
	}
}

// lookupPersisted checks whether e has a recorded user_grant for (tag,
// subject), keyed the same way RecordOnceDecision writes it.
func (g *Gate) lookupPersisted(e *Evaluator, tag, subject string) (bool, bool) {
	if e == nil {
		return false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entries, ok := e.overrides[tag]
	if !ok {
		return false, false
	}
	entry, ok := entries[subject]
	if !ok || entry.Reason != "user_grant" {
		return false, false
	}
	return entry.Effect == "allow", true
}
