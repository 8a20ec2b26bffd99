package capture

import "strings"

// tailChunk derives the end-detection fragment from the final response
// text: the last 80 characters with newlines collapsed, reduced to the
// last 40. Matching uses the last 20 of that, so minor whitespace
// differences between extracted text and rendered text do not break end
// detection.
func tailChunk(text string) string {
	if len(text) <= 50 {
		return ""
	}
	chunk := text
	if len(chunk) > 80 {
		chunk = chunk[len(chunk)-80:]
	}
	chunk = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(chunk, "\n", " "), "\r", ""))
	if len(chunk) > 40 {
		chunk = chunk[len(chunk)-40:]
	}
	return chunk
}

// tailKey is the portion of the tail chunk actually matched against
// visible text.
func tailKey(chunk string) string {
	if len(chunk) > 20 {
		return chunk[len(chunk)-20:]
	}
	return chunk
}

// matchesTail reports whether the visible fragment contains the end of the
// final response.
func matchesTail(visible, finalText string) bool {
	key := tailKey(tailChunk(finalText))
	if key == "" {
		return false
	}
	return strings.Contains(visible, key)
}

// shotsNeeded estimates screenshots for a response of contentHeight pixels
// when each scroll advances viewport−overlap. Content of exactly
// N×(viewport−overlap) yields exactly N shots. Bounded below by 1 and
// above by cap.
func shotsNeeded(contentHeight, viewport, overlap float64, cap int) int {
	step := viewport - overlap
	if step <= 0 || contentHeight <= 0 {
		return 1
	}
	n := int(contentHeight / step)
	if float64(n)*step < contentHeight {
		n++
	}
	if n < 1 {
		n = 1
	}
	if cap > 0 && n > cap {
		n = cap
	}
	return n
}

// progressLog detects repeated bottom-of-viewport fragments, the signal
// that scrolling stopped making forward progress.
type progressLog struct {
	seen []string
}

// repeated records the fragment and reports whether it was already seen.
func (p *progressLog) repeated(fragment string) bool {
	for _, s := range p.seen {
		if s == fragment {
			return true
		}
	}
	p.seen = append(p.seen, fragment)
	return false
}
