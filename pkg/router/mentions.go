package router

import (
	"strings"
	"unicode"

	"github.com/courierhq/courier/internal/config"
)

// ScanMentions returns the agents whose handle appears as an @mention
// in the text, in order of first appearance. Matching is
// case-insensitive and requires a word boundary after the handle so
// "@ops" does not match "@opsy".
func ScanMentions(text string, agents []config.AgentConfig) []config.AgentConfig {
	lower := strings.ToLower(text)

	type hit struct {
		pos   int
		agent config.AgentConfig
	}
	var hits []hit

	for _, agent := range agents {
		handle := strings.ToLower(agent.Handle)
		if handle == "" {
			continue
		}

		from := 0
		for {
			idx := strings.Index(lower[from:], handle)
			if idx < 0 {
				break
			}
			pos := from + idx
			end := pos + len(handle)

			if boundaryBefore(lower, pos) && boundaryAfter(lower, end) {
				hits = append(hits, hit{pos: pos, agent: agent})
				break
			}
			from = end
		}
	}

	// Insertion sort by position; mention lists are tiny
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	out := make([]config.AgentConfig, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.agent)
	}
	return out
}

func boundaryBefore(s string, pos int) bool {
	if pos == 0 {
		return true
	}
	r := rune(s[pos-1])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '@'
}

func boundaryAfter(s string, end int) bool {
	if end >= len(s) {
		return true
	}
	r := rune(s[end])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
}
