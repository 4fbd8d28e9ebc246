package engine

import (
	"strings"
	"unicode/utf8"
)

// stopBufferLimit bounds how much text is held back while a marker might
// still be completing. It is at least the longest marker.
const stopBufferLimit = 20

// stopBuffer reassembles end-of-turn markers that straddle fragments.
// Feed returns the text that is safe to deliver and whether a marker ended
// the turn. Flush returns the remainder with any markers, and any marker
// prefix left dangling at the end, removed.
type stopBuffer struct {
	markers []string
	limit   int
	buf     strings.Builder
}

func newStopBuffer(markers []string) *stopBuffer {
	limit := stopBufferLimit
	for _, m := range markers {
		if len(m) > limit {
			limit = len(m)
		}
	}
	return &stopBuffer{markers: markers, limit: limit}
}

func (b *stopBuffer) Feed(fragment string) (out string, stop bool) {
	b.buf.WriteString(fragment)
	s := b.buf.String()

	if idx := b.firstMarker(s); idx >= 0 {
		b.buf.Reset()
		return s[:idx], true
	}
	if !b.partialTail(s) {
		b.buf.Reset()
		return s, false
	}
	if len(s) > b.limit {
		cut := len(s) - b.limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		b.buf.Reset()
		b.buf.WriteString(s[cut:])
		return s[:cut], false
	}
	return "", false
}

func (b *stopBuffer) Flush() string {
	s := b.buf.String()
	b.buf.Reset()
	for _, m := range b.markers {
		s = strings.ReplaceAll(s, m, "")
	}
	return s[:len(s)-b.danglingPrefix(s)]
}

// danglingPrefix returns the length of the longest marker prefix, at least
// two bytes long, that s ends with. A lone "<" is kept as text.
func (b *stopBuffer) danglingPrefix(s string) int {
	best := 0
	for _, m := range b.markers {
		for n := len(m) - 1; n >= 2 && n > best; n-- {
			if strings.HasSuffix(s, m[:n]) {
				best = n
				break
			}
		}
	}
	return best
}

// firstMarker returns the index of the earliest marker occurrence, or -1.
func (b *stopBuffer) firstMarker(s string) int {
	best := -1
	for _, m := range b.markers {
		if i := strings.Index(s, m); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// partialTail reports whether s ends with a strict prefix of any marker.
func (b *stopBuffer) partialTail(s string) bool {
	for _, m := range b.markers {
		for n := 1; n < len(m); n++ {
			if strings.HasSuffix(s, m[:n]) {
				return true
			}
		}
	}
	return false
}
