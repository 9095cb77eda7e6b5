package engine

import (
	"strings"
	"testing"

	"github.com/hourglass-hq/hourglass/internal/channel"
)

func newFormatting(style channel.Style) *FormattingStage {
	return NewFormattingStage(channel.DefaultTable(), style, nil)
}

func TestFormattingShortContentNotSplit(t *testing.T) {
	f := newFormatting(channel.Style{})
	draft := &Draft{Text: "You logged 32 hours this week."}

	payload, err := f.Run("req-1", draft, channel.SMS, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if payload.IsSplit {
		t.Fatal("short content should not be split")
	}
	if payload.Content != draft.Text {
		t.Fatalf("content = %q", payload.Content)
	}
}

func TestFormattingSplitRespectsLimitAndRoundTrips(t *testing.T) {
	f := newFormatting(channel.Style{})
	sentence := "You logged quite a lot of hours on the project this period and it shows. "
	draft := &Draft{Text: strings.TrimSpace(strings.Repeat(sentence, 40))}

	payload, err := f.Run("req-2", draft, channel.SMS, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !payload.IsSplit {
		t.Fatal("content over the sms limit should be split")
	}
	if len(payload.Parts) < 2 {
		t.Fatalf("got %d parts", len(payload.Parts))
	}

	policy, _ := channel.DefaultTable().Lookup(channel.SMS)
	var rebuilt strings.Builder
	for i, p := range payload.Parts {
		if p.Sequence != i+1 {
			t.Fatalf("part %d has sequence %d", i, p.Sequence)
		}
		if n := len([]rune(p.Content)); n > policy.MaxLength {
			t.Fatalf("part %d is %d runes, limit %d", p.Sequence, n, policy.MaxLength)
		}
		if !strings.HasSuffix(p.Content, p.Marker) {
			t.Fatalf("part %d missing marker %q", p.Sequence, p.Marker)
		}
		rebuilt.WriteString(StripContinuationMarker(p.Content))
	}
	if rebuilt.String() != payload.Content {
		t.Fatal("stripped parts do not rebuild the original content")
	}
}

func TestFormattingStripsMarkupForSMS(t *testing.T) {
	f := newFormatting(channel.Style{})
	draft := &Draft{Text: "You logged **32 hours** against `PROJ-7`. See [details](https://example.com)."}

	payload, err := f.Run("req-3", draft, channel.SMS, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, frag := range []string{"**", "`", "]("} {
		if strings.Contains(payload.Content, frag) {
			t.Fatalf("markup %q survived: %q", frag, payload.Content)
		}
	}
	if !strings.Contains(payload.Content, "32 hours") || !strings.Contains(payload.Content, "details") {
		t.Fatalf("visible text lost: %q", payload.Content)
	}
}

func TestFormattingKeepsMarkupForSlack(t *testing.T) {
	f := newFormatting(channel.Style{})
	draft := &Draft{Text: "You logged **32 hours** this week."}

	payload, err := f.Run("req-4", draft, channel.Slack, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(payload.Content, "**32 hours**") {
		t.Fatalf("slack markup stripped: %q", payload.Content)
	}
}

func TestFormattingEmailUnlimited(t *testing.T) {
	f := newFormatting(channel.Style{})
	draft := &Draft{Text: strings.Repeat("All work and no play makes a dull timesheet. ", 2000)}

	payload, err := f.Run("req-5", draft, channel.Email, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if payload.IsSplit {
		t.Fatal("email has no length limit, nothing to split")
	}
}

func TestFormattingAdornsStyledChannels(t *testing.T) {
	f := newFormatting(channel.Style{Greeting: true, SignOff: "— Hourglass"})
	draft := &Draft{Text: "You logged 32 hours this week."}

	payload, err := f.Run("req-6", draft, channel.Email, "Sam")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(payload.Content, "Hi Sam,") {
		t.Fatalf("missing greeting: %q", payload.Content)
	}
	if !strings.HasSuffix(payload.Content, "— Hourglass") {
		t.Fatalf("missing sign-off: %q", payload.Content)
	}
}

func TestFormattingUnknownChannelFallsBackToRawDraft(t *testing.T) {
	f := newFormatting(channel.Style{})
	draft := &Draft{Text: "raw answer"}

	payload, err := f.Run("req-7", draft, channel.Channel("pager"), "")
	if err == nil {
		t.Fatal("expected an informational error")
	}
	if payload == nil || payload.Content != "raw answer" {
		t.Fatalf("fallback payload = %+v", payload)
	}
}
