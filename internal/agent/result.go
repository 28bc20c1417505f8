package agent

import (
	"github.com/haasonsaas/loanagent/pkg/models"
)

// User-visible texts for results that do not come from the model.
const (
	UnavailableText = "Sorry, the AI is temporarily unavailable. Please try again later"
	FailureText     = "The agent failed to produce a valid response after multiple attempts."
)

// Result is the outcome of one Invoke call. It is always one of
// PlainMessage, PendingAction, Route, Unavailable or Failure.
type Result interface {
	// Outcome is a short label used for metrics and logs.
	Outcome() string
	isResult()
}

// PlainMessage is a reply that needs no side effect.
type PlainMessage struct {
	Text string
}

// PendingAction is a set of side-effecting actions that must be confirmed by
// the owner before they run.
type PendingAction struct {
	// Message is optional text the model wants shown alongside the actions.
	Message string
	Actions []models.ActionSpec
}

// Route is the classifier's decision about which role handles a message.
type Route struct {
	Agent      string
	Confidence *float64
}

// Unavailable means no model could serve the request right now. Reason is
// for logs only.
type Unavailable struct {
	Text   string
	Reason error
}

// Failure means every attempt produced an unusable reply. Cause is the
// last attempt's error, for logs only.
type Failure struct {
	Text  string
	Cause error
}

func (PlainMessage) Outcome() string  { return "message" }
func (PendingAction) Outcome() string { return "pending" }
func (Route) Outcome() string         { return "route" }
func (Unavailable) Outcome() string   { return "unavailable" }
func (Failure) Outcome() string       { return "failed" }

func (PlainMessage) isResult()  {}
func (PendingAction) isResult() {}
func (Route) isResult()         {}
func (Unavailable) isResult()   {}
func (Failure) isResult()       {}

func unavailable(reason error) Unavailable {
	return Unavailable{Text: UnavailableText, Reason: reason}
}

// memoryText returns what the assistant turn of a successful exchange
// should look like in conversation memory.
func memoryText(result Result) string {
	switch r := result.(type) {
	case PlainMessage:
		if r.Text != "" {
			return r.Text
		}
	case PendingAction:
		if r.Message != "" {
			return r.Message
		}
	}
	return "[No message]"
}
