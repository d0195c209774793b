package warden

import (
	"strings"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/preload"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/purge"
)

// Kind classifies a user-facing message.
type Kind string

// Message kinds.
const (
	KindSuccess Kind = "success"
	KindInfo    Kind = "info"
	KindError   Kind = "error"
)

// Classify derives the kind from a message's leading keyword. Page URLs
// inside the message never affect the result.
func Classify(message string) Kind {
	head, _, _ := strings.Cut(strings.TrimSpace(message), ":")
	switch {
	case strings.Contains(head, "ERROR"):
		return KindError
	case strings.HasPrefix(head, "SUCCESS"):
		return KindSuccess
	default:
		return KindInfo
	}
}

// Trigger names who asked for an operation. It selects the prefix of the
// messages written to the ops log.
type Trigger string

// Triggers.
const (
	TriggerManual Trigger = ""
	TriggerAdmin  Trigger = "ADMIN"
	TriggerREST   Trigger = "REST"
	TriggerCron   Trigger = "CRON"
)

// ParseTrigger maps a flag value to a Trigger. Unknown values are manual.
func ParseTrigger(s string) Trigger {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADMIN":
		return TriggerAdmin
	case "REST":
		return TriggerREST
	case "CRON":
		return TriggerCron
	default:
		return TriggerManual
	}
}

func (t Trigger) prefix(word string) string {
	if t == TriggerManual {
		return word
	}
	return word + " " + string(t)
}

// Success returns "SUCCESS" or "SUCCESS <TRIGGER>".
func (t Trigger) Success() string { return t.prefix("SUCCESS") }

// Info returns "INFO" or "INFO <TRIGGER>".
func (t Trigger) Info() string { return t.prefix("INFO") }

// Outcome is the result of a user-visible operation.
type Outcome struct {
	Kind    Kind          `json:"kind"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Result  *purge.Result `json:"result,omitempty"`
	Run     *preload.Run  `json:"run,omitempty"`
}

func newOutcome(code, message string) Outcome {
	return Outcome{Kind: Classify(message), Code: code, Message: message}
}

// HTTPStatus maps the outcome to a response status.
func (o Outcome) HTTPStatus() int {
	return HTTPStatus(o.Code)
}
