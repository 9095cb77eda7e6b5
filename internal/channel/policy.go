package channel

import (
	"fmt"
	"strings"
)

// Channel identifies a delivery channel supported by the engine.
type Channel string

const (
	SMS      Channel = "sms"
	Slack    Channel = "slack"
	Teams    Channel = "teams"
	WhatsApp Channel = "whatsapp"
	Email    Channel = "email"
)

// SplitStrategy controls how oversized content is divided into parts.
type SplitStrategy string

const (
	SplitSentence  SplitStrategy = "sentence"
	SplitParagraph SplitStrategy = "paragraph"
	SplitHardWord  SplitStrategy = "hard-word"
)

// Policy holds the delivery constraints for one channel. MaxLength of zero
// means the channel imposes no length limit.
type Policy struct {
	Channel       Channel
	MaxLength     int
	AllowsMarkup  bool
	AllowsEmoji   bool
	AllowsStyling bool
	Split         SplitStrategy
}

// Style configures the adornment Formatting applies on top of the draft.
type Style struct {
	Greeting bool   `mapstructure:"greeting"`
	SignOff  string `mapstructure:"sign_off"`
	Emoji    bool   `mapstructure:"emoji"`
	Tone     string `mapstructure:"tone"`
}

// Table is the immutable per-channel policy set. It is built once at startup
// and only read afterwards.
type Table struct {
	policies map[Channel]Policy
}

// DefaultTable returns the built-in policy table covering every supported
// channel.
func DefaultTable() *Table {
	return NewTable([]Policy{
		{Channel: SMS, MaxLength: 1600, AllowsMarkup: false, AllowsEmoji: false, AllowsStyling: false, Split: SplitSentence},
		{Channel: WhatsApp, MaxLength: 4096, AllowsMarkup: false, AllowsEmoji: true, AllowsStyling: true, Split: SplitSentence},
		{Channel: Slack, MaxLength: 40000, AllowsMarkup: true, AllowsEmoji: true, AllowsStyling: true, Split: SplitParagraph},
		{Channel: Teams, MaxLength: 28000, AllowsMarkup: true, AllowsEmoji: true, AllowsStyling: true, Split: SplitParagraph},
		{Channel: Email, MaxLength: 0, AllowsMarkup: true, AllowsEmoji: false, AllowsStyling: true, Split: SplitParagraph},
	})
}

// NewTable builds a Table from the given policies.
func NewTable(policies []Policy) *Table {
	t := &Table{policies: make(map[Channel]Policy, len(policies))}
	for _, p := range policies {
		t.policies[p.Channel] = p
	}
	return t
}

// Lookup returns the policy for ch.
func (t *Table) Lookup(ch Channel) (Policy, bool) {
	if t == nil {
		return Policy{}, false
	}
	p, ok := t.policies[ch]
	return p, ok
}

// Supported reports whether ch is a known channel.
func (t *Table) Supported(ch Channel) bool {
	_, ok := t.Lookup(ch)
	return ok
}

// Channels returns the supported channel names, for error messages.
func (t *Table) Channels() []string {
	out := make([]string, 0, len(t.policies))
	for ch := range t.policies {
		out = append(out, string(ch))
	}
	return out
}

// Parse normalizes a raw channel value from an inbound request.
func Parse(raw string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(raw)))
	switch ch {
	case SMS, Slack, Teams, WhatsApp, Email:
		return ch, nil
	default:
		return "", fmt.Errorf("unknown channel %q", raw)
	}
}
