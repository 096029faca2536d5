// Package answer turns a caller's question into a short spoken reply, or a
// decision that a human has to take over.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feecall/internal/intent"
)

// DefaultMarker is the token the model is told to reply with when it cannot help.
const DefaultMarker = "ESCALATE"

// Completer submits one system/user exchange to a text generation service.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CallContext is what the service is told about the person on the line.
type CallContext struct {
	Name       string
	Department string
	AmountDue  decimal.Decimal
	Currency   string
}

// Block renders the context section of the prompt.
func (c CallContext) Block() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Student: %s\n", c.Name)
	if c.Department != "" {
		fmt.Fprintf(&b, "Dept: %s\n", c.Department)
	}
	fmt.Fprintf(&b, "Due: %s", c.AmountDue.String())
	if c.Currency != "" {
		b.WriteString(" " + c.Currency)
	}
	return b.String()
}

type Reply struct {
	Text     string
	Escalate bool
}

// ServiceError wraps a failed or timed out call to the generation service.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string { return "answer service: " + e.Err.Error() }
func (e *ServiceError) Unwrap() error { return e.Err }

// Adapter is stateless; callers persist the exchange.
type Adapter struct {
	Completer    Completer
	SystemPrompt string
	MaxWords     int
	Timeout      time.Duration
	// Markers flags generated text that hands the call to a human.
	Markers intent.Detector
}

// Answer asks the service about utterance. The returned Reply always has
// Escalate set when err is non-nil; err is a *ServiceError in that case.
func (a *Adapter) Answer(ctx context.Context, cc CallContext, utterance string) (Reply, error) {
	if a.Completer == nil {
		return Reply{Escalate: true}, &ServiceError{Err: errors.New("no completer configured")}
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	user := "Context:\n" + cc.Block() + "\n\nQuestion: " + strings.TrimSpace(utterance)
	text, err := a.Completer.Complete(ctx, a.SystemPrompt, user)
	if err != nil {
		return Reply{Escalate: true}, &ServiceError{Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" || a.escalates(text) {
		return Reply{Escalate: true}, nil
	}
	return Reply{Text: Truncate(text, a.MaxWords)}, nil
}

// escalates reports whether text is the bare marker, or trips a configured
// escalation phrase. The marker inside an otherwise normal answer does not count.
func (a *Adapter) escalates(text string) bool {
	if strings.EqualFold(strings.Trim(text, " \t\n.!\"'`*[]()"), DefaultMarker) {
		return true
	}
	return a.Markers != nil && a.Markers.Match(text)
}

// Truncate keeps the first max words of s. A cut reply ends with a period
// so the voice does not trail off mid clause.
func Truncate(s string, max int) string {
	words := strings.Fields(s)
	if max <= 0 || len(words) <= max {
		return strings.Join(words, " ")
	}
	out := strings.TrimRight(strings.Join(words[:max], " "), ",;:-")
	if !strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "?") && !strings.HasSuffix(out, "!") {
		out += "."
	}
	return out
}
