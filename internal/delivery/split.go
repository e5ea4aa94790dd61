package delivery

import "strings"

// DefaultMaxChunkChars is the chunk size used when none is configured.
const DefaultMaxChunkChars = 300

// Split breaks text into chunks of at most maxChars runes. It cuts at the
// last paragraph break, then line break, then space in the back half of the
// window, and only hard-cuts a word that does not fit on its own.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	runes := []rune(strings.TrimSpace(text))
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxChars {
			chunks = appendChunk(chunks, runes)
			break
		}
		cut := cutPoint(runes[:maxChars+1], maxChars)
		chunks = appendChunk(chunks, runes[:cut])
		runes = trimLeft(runes[cut:])
	}
	return chunks
}

// cutPoint picks where to end a chunk inside window (maxChars+1 runes, so a
// separator right after the limit still counts).
func cutPoint(window []rune, maxChars int) int {
	half := maxChars / 2
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := lastIndex(window, []rune(sep)); i > half {
			return i
		}
	}
	return maxChars
}

func lastIndex(r []rune, sep []rune) int {
	for i := len(r) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if r[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func trimLeft(r []rune) []rune {
	for len(r) > 0 && (r[0] == ' ' || r[0] == '\n' || r[0] == '\t' || r[0] == '\r') {
		r = r[1:]
	}
	return r
}

func appendChunk(chunks []string, r []rune) []string {
	if s := strings.TrimSpace(string(r)); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
