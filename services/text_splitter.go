package services

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxSpeechChars is the input cap of the speech endpoint
const DefaultMaxSpeechChars = 4096

// TextSplitter breaks a narration script into speech requests the service accepts
type TextSplitter struct {
	MaxChunkChars int
}

// NewTextSplitter creates a splitter; non-positive limits fall back to the service cap
func NewTextSplitter(maxChunkChars int) *TextSplitter {
	if maxChunkChars <= 0 {
		maxChunkChars = DefaultMaxSpeechChars
	}
	return &TextSplitter{MaxChunkChars: maxChunkChars}
}

// SplitForSpeech packs whole sentences into chunks of at most MaxChunkChars bytes.
// Sentences longer than the limit are broken at clauses, then words, then runes.
// Joining the chunks with single spaces reproduces the normalized script.
func (ts *TextSplitter) SplitForSpeech(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	if len(text) <= ts.MaxChunkChars {
		return []string{text}
	}

	var chunks []string
	current := ""

	for _, sentence := range splitIntoSentences(text) {
		candidate := sentence
		if current != "" {
			candidate = current + " " + sentence
		}
		if len(candidate) <= ts.MaxChunkChars {
			current = candidate
			continue
		}

		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
		if len(sentence) <= ts.MaxChunkChars {
			current = sentence
			continue
		}
		chunks = append(chunks, ts.splitLong(sentence)...)
	}

	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitLong breaks one oversized sentence, preferring punctuation over spaces
func (ts *TextSplitter) splitLong(text string) []string {
	limit := ts.MaxChunkChars
	var chunks []string
	remaining := text

	for len(remaining) > limit {
		splitIdx := -1
		window := remaining[:limit]

		// Keep punctuation with the preceding chunk; only consider the last two thirds
		// of the window so chunks do not get tiny
		searchStart := limit / 3
		for _, punc := range []string{";", ":", ",", " - ", " — "} {
			if idx := strings.LastIndex(window[searchStart:], punc); idx != -1 {
				if end := searchStart + idx + len(punc); end > splitIdx {
					splitIdx = end
				}
			}
		}

		if splitIdx == -1 {
			splitIdx = strings.LastIndexFunc(window, unicode.IsSpace)
		}
		if splitIdx <= 0 {
			splitIdx = limit
			for splitIdx > 0 && !utf8.RuneStart(remaining[splitIdx]) {
				splitIdx--
			}
			if splitIdx == 0 {
				splitIdx = limit
			}
		}

		if chunk := strings.TrimSpace(remaining[:splitIdx]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[splitIdx:])
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// splitIntoSentences splits on terminal punctuation followed by whitespace
func splitIntoSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if isSentenceEnding(r) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isSentenceEnding(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？'
}
