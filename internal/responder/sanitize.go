package responder

import (
	"log/slog"
	"regexp"
	"strings"
)

// SilentToken is the reply a model gives when the batch needs no answer.
const SilentToken = "NO_REPLY"

var (
	reasoningBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<think>.*?</think>`),
		regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
		regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	}
	finalTag    = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)
	leadingGaps = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)
)

// Sanitize cleans model output before it is split into chunks: reasoning
// blocks and <final> wrappers go, repeated paragraphs collapse to one.
func Sanitize(reply string) string {
	if reply == "" {
		return ""
	}
	out := reply
	if lower := strings.ToLower(out); strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, re := range reasoningBlocks {
			out = re.ReplaceAllString(out, "")
		}
	}
	out = finalTag.ReplaceAllString(out, "")
	out = collapseRepeats(out)
	out = leadingGaps.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)

	if out != strings.TrimSpace(reply) {
		slog.Debug("responder.sanitized", "before", len(reply), "after", len(out))
	}
	return out
}

// collapseRepeats drops a paragraph identical to the one before it.
func collapseRepeats(s string) string {
	paras := strings.Split(s, "\n\n")
	if len(paras) < 2 {
		return s
	}
	kept := paras[:0:0]
	for _, p := range paras {
		t := strings.TrimSpace(p)
		if t == "" {
			continue
		}
		if n := len(kept); n > 0 && strings.TrimSpace(kept[n-1]) == t {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

// IsSilent reports whether reply is the silent token, alone or at either end
// of the text as a whole word.
func IsSilent(reply string) bool {
	t := strings.TrimSpace(reply)
	if t == "" {
		return false
	}
	if t == SilentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(t, SilentToken); ok && !isWordByte(rest[0]) {
		return true
	}
	if head, ok := strings.CutSuffix(t, SilentToken); ok && !isWordByte(head[len(head)-1]) {
		return true
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
