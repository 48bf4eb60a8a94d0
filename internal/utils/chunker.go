package utils

import "strings"

// DefaultMaxChunkSize is the character budget for a single knowledge chunk.
const DefaultMaxChunkSize = 1000

// SplitIntoChunks splits text into sentence-respecting chunks of roughly
// maxChunkSize characters. Sentences are never split: a single sentence
// longer than maxChunkSize becomes its own oversized chunk. Chunks are
// trimmed and non-empty, and every sentence appears in exactly one chunk
// in the original order.
func SplitIntoChunks(text string, maxChunkSize int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}

	var chunks []string
	current := ""
	for _, sentence := range splitSentences(text) {
		switch {
		case current == "":
			current = sentence
		case len(current)+len(sentence) > maxChunkSize:
			if trimmed := strings.TrimSpace(current); trimmed != "" {
				chunks = append(chunks, trimmed)
			}
			current = sentence
		default:
			current += " " + sentence
		}
	}
	if trimmed := strings.TrimSpace(current); trimmed != "" {
		chunks = append(chunks, trimmed)
	}
	return chunks
}

// splitSentences cuts text after terminal punctuation (. ! ?) followed by
// whitespace. The punctuation stays with its sentence, the separating
// whitespace is dropped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 >= len(text) || !isSpace(text[i+1]) {
			continue
		}
		sentences = append(sentences, text[start:i+1])
		j := i + 1
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
