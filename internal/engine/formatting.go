package engine

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/hourglass-hq/hourglass/internal/channel"
)

// FormattingStage renders a draft into a channel-specific payload: it strips
// markup the channel cannot carry, applies the configured style, and splits
// content that exceeds the channel's length limit. Formatting never blocks
// the pipeline: on any internal fault it falls back to the raw draft as a
// single unstyled part.
type FormattingStage struct {
	table  *channel.Table
	style  channel.Style
	logger *log.Logger
}

// NewFormattingStage builds the formatting stage around the immutable policy
// table and style configuration.
func NewFormattingStage(table *channel.Table, style channel.Style, logger *log.Logger) *FormattingStage {
	if logger == nil {
		logger = log.New(log.Writer(), "[FORMAT] ", log.LstdFlags)
	}
	return &FormattingStage{table: table, style: style, logger: logger}
}

// Run formats the draft for ch. The returned error is informational: a
// usable payload is always returned, falling back to the raw draft when
// formatting itself fails.
func (f *FormattingStage) Run(requestID string, draft *Draft, ch channel.Channel, displayName string) (*FormattedPayload, error) {
	payload, err := f.format(draft, ch, displayName)
	if err != nil {
		f.logger.Printf("formatting failed for request %s, using raw draft: %v", requestID, err)
		return &FormattedPayload{Channel: ch, Content: draft.Text, IsSplit: false}, err
	}
	return payload, nil
}

func (f *FormattingStage) format(draft *Draft, ch channel.Channel, displayName string) (*FormattedPayload, error) {
	policy, ok := f.table.Lookup(ch)
	if !ok {
		return nil, &FormattingError{Reason: fmt.Sprintf("no policy for channel %q", ch)}
	}
	if policy.MaxLength < 0 {
		return nil, &FormattingError{Reason: fmt.Sprintf("malformed policy for channel %q: negative max length", ch)}
	}

	content := draft.Text
	if !policy.AllowsMarkup {
		content = StripMarkup(content)
	}
	if !policy.AllowsEmoji {
		content = stripEmoji(content)
	}
	content = f.adorn(content, policy, displayName)
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &FormattingError{Reason: "formatted content is empty"}
	}

	if policy.MaxLength == 0 || len([]rune(content)) <= policy.MaxLength {
		return &FormattedPayload{Channel: ch, Content: content, IsSplit: false}, nil
	}

	parts, err := splitContent(content, policy.MaxLength, policy.Split)
	if err != nil {
		return nil, err
	}
	return &FormattedPayload{Channel: ch, Content: content, IsSplit: true, Parts: parts}, nil
}

// adorn applies greeting and sign-off for channels whose policy supports
// styling.
func (f *FormattingStage) adorn(content string, policy channel.Policy, displayName string) string {
	if !policy.AllowsStyling {
		return content
	}
	if f.style.Greeting && displayName != "" {
		content = fmt.Sprintf("Hi %s,\n\n%s", displayName, content)
	}
	if f.style.SignOff != "" {
		content = content + "\n\n" + f.style.SignOff
	}
	return content
}

var markupPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```"), "$1"}, // fenced code
	{regexp.MustCompile("\\*\\*([^*]+)\\*\\*"), "$1"},             // bold
	{regexp.MustCompile(`\*([^*\n]+)\*`), "$1"},                   // italic / slack bold
	{regexp.MustCompile("__([^_]+)__"), "$1"},
	{regexp.MustCompile(`_([^_\n]+)_`), "$1"},
	{regexp.MustCompile("`([^`]+)`"), "$1"},                 // inline code
	{regexp.MustCompile(`~~([^~]+)~~`), "$1"},               // strikethrough
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`), "$1"},   // links
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},              // headers
	{regexp.MustCompile(`(?m)^\s*[-*+]\s+`), "- "},          // bullets normalized
	{regexp.MustCompile(`(?m)^>\s?`), ""},                   // blockquotes
}

// StripMarkup removes structural markup for channels that disallow it,
// keeping the visible text intact.
func StripMarkup(s string) string {
	for _, p := range markupPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

var emojiRe = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{FE0F}]`)

func stripEmoji(s string) string {
	return emojiRe.ReplaceAllString(s, "")
}

// continuationMarkerRe matches the " (i/n)" suffix appended to split parts.
var continuationMarkerRe = regexp.MustCompile(` \(\d+/\d+\)$`)

// StripContinuationMarker removes the "(i/n)" suffix from a part's content.
func StripContinuationMarker(s string) string {
	return continuationMarkerRe.ReplaceAllString(s, "")
}

// splitContent divides content into ordered parts, each within limit
// including its continuation marker. Parts concatenate in sequence order to
// exactly the input once markers are stripped. The configured strategy picks
// the preferred boundary; the chain always degrades toward hard word cuts.
func splitContent(content string, limit int, strategy channel.SplitStrategy) ([]PayloadPart, error) {
	runes := []rune(content)

	// Reserve room for the " (i/n)" marker, re-splitting with a wider
	// reserve if the first pass yields more parts than the reserve covers.
	reserve := 4 + 2*len(strconv.Itoa(len(runes)/(limit/2+1)+2))
	var segments []string
	for {
		budget := limit - reserve
		if budget <= 0 {
			return nil, &FormattingError{Reason: fmt.Sprintf("channel limit %d too small to split", limit)}
		}
		segments = segments[:0]
		rest := runes
		for len(rest) > budget {
			cut := findCut(rest, budget, strategy)
			segments = append(segments, string(rest[:cut]))
			rest = rest[cut:]
		}
		segments = append(segments, string(rest))

		need := 4 + 2*len(strconv.Itoa(len(segments)))
		if need <= reserve {
			break
		}
		reserve = need
	}

	n := len(segments)
	parts := make([]PayloadPart, n)
	for i, seg := range segments {
		marker := fmt.Sprintf(" (%d/%d)", i+1, n)
		parts[i] = PayloadPart{Sequence: i + 1, Content: seg + marker, Marker: marker}
	}
	return parts, nil
}

// findCut returns the rune index (0 < cut <= budget) to slice the next part
// at, preferring the strategy's boundary and degrading sentence → paragraph
// → word → hard cut.
func findCut(runes []rune, budget int, strategy channel.SplitStrategy) int {
	var order []func([]rune, int) int
	switch strategy {
	case channel.SplitParagraph:
		order = []func([]rune, int) int{paragraphCut, sentenceCut, wordCut}
	case channel.SplitHardWord:
		order = []func([]rune, int) int{wordCut}
	default: // sentence
		order = []func([]rune, int) int{sentenceCut, paragraphCut, wordCut}
	}
	for _, fn := range order {
		if cut := fn(runes, budget); cut > 0 {
			return cut
		}
	}
	return budget
}

func sentenceCut(runes []rune, budget int) int {
	for i := budget; i >= 2; i-- {
		if isSpaceRune(runes[i-1]) && isSentenceEnd(runes[i-2]) {
			return i
		}
	}
	return 0
}

func paragraphCut(runes []rune, budget int) int {
	for i := budget; i >= 2; i-- {
		if runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := budget; i >= 1; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	return 0
}

func wordCut(runes []rune, budget int) int {
	for i := budget; i >= 1; i-- {
		if isSpaceRune(runes[i-1]) {
			return i
		}
	}
	return 0
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
