package pipeline

import "strings"

// chunkText splits text into chunks of at most size runes, preferring to cut
// at paragraph, then sentence, then word boundaries. Consecutive chunks
// share overlap runes of context. size <= 0 yields the whole text as one
// chunk.
func chunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := boundaryBefore(runes, start, end)
		chunks = append(chunks, strings.TrimSpace(string(runes[start:cut])))
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}

	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// boundaryBefore finds the best cut point in (start, end], scanning backward
// for a paragraph break, then a sentence end, then whitespace. A hard cut at
// end is the fallback.
func boundaryBefore(runes []rune, start, end int) int {
	// Do not walk back more than half the window; a tiny chunk is worse
	// than a mid-sentence cut.
	floor := start + (end-start)/2

	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		switch runes[i-1] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	for i := end; i > floor; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\t' {
			return i
		}
	}
	return end
}

// meanPool averages a set of equal-length vectors into one.
func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		return vectors[0]
	}
	out := make([]float32, len(vectors[0]))
	for _, vec := range vectors {
		for i := range out {
			if i < len(vec) {
				out[i] += vec[i]
			}
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}
