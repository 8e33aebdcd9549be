// Package classify labels inbound messages with the intent the relay acts on.
package classify

import (
	"regexp"
	"strings"

	"github.com/danmuck/chatrelay/internal/transport"
)

// Kind is the closed set of intents.
type Kind int

const (
	Ignorable Kind = iota
	Welcome
	Farewell
	Question
)

func (k Kind) String() string {
	switch k {
	case Welcome:
		return "welcome"
	case Farewell:
		return "farewell"
	case Question:
		return "question"
	default:
		return "ignorable"
	}
}

// Trigger records what made a message a Welcome.
type Trigger string

const (
	TriggerGreeting Trigger = "greeting"
	TriggerRoom     Trigger = "room"
	TriggerStub     Trigger = "stub"
)

// Intent is the classification result for one message.
type Intent struct {
	Kind    Kind
	Trigger Trigger
	// Room is the checked-in room number for TriggerRoom.
	Room string
	// Text is the raw message text for Question.
	Text string
}

var greetings = map[string]struct{}{
	"resort bot": {},
	"hi":         {},
	"hii":        {},
	"hello":      {},
	"hey":        {},
}

var farewells = map[string]struct{}{
	"bye":          {},
	"byee":         {},
	"thankyou":     {},
	"thank you":    {},
	"thanks":       {},
	"ok":           {},
	"ok thank you": {},
	"ok thanks":    {},
	"exit":         {},
	"quit":         {},
}

var roomPattern = regexp.MustCompile(`(?i)(?:i am|i'm|am|i\s*in|in|from|room)\s+(?:in\s+)?(\d{2,4})`)

var notClean = regexp.MustCompile(`[^a-z0-9 ]`)

// Normalized holds the derived forms of a message text.
type Normalized struct {
	Text    string
	Cleaned string
}

// Normalize lower-cases and trims text.
func Normalize(text string) Normalized {
	n := strings.ToLower(strings.TrimSpace(text))
	return Normalized{Text: n, Cleaned: Clean(n)}
}

// Clean drops every character outside [a-z0-9 ] from normalized text.
func Clean(normalized string) string {
	return notClean.ReplaceAllString(normalized, "")
}

// Classify maps msg onto an Intent. It is pure and deterministic.
func Classify(msg transport.InboundMessage) Intent {
	if msg.FromMe {
		return Intent{Kind: Ignorable}
	}
	deviceAdded := msg.Stub.DeviceAdded()
	if msg.Text == "" && !deviceAdded {
		return Intent{Kind: Ignorable}
	}

	n := Normalize(msg.Text)
	if _, ok := greetings[n.Text]; ok {
		return Intent{Kind: Welcome, Trigger: TriggerGreeting}
	}
	if deviceAdded {
		return Intent{Kind: Welcome, Trigger: TriggerStub}
	}
	if m := roomPattern.FindStringSubmatch(n.Text); m != nil {
		return Intent{Kind: Welcome, Trigger: TriggerRoom, Room: m[1]}
	}
	if _, ok := farewells[n.Text]; ok {
		return Intent{Kind: Farewell}
	}
	return Intent{Kind: Question, Text: msg.Text}
}
