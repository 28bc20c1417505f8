package channels

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the chat message size replies are split to.
const DefaultChunkSize = 400

// MessageChunker splits long replies into chat-sized messages. It breaks on
// paragraph boundaries, then line breaks, then sentence endings, then
// spaces. Sizes are counted in runes, and a break never lands inside a
// number such as 10.000 or 1,250,000.
type MessageChunker struct {
	// MaxSize is the maximum chunk size in runes.
	MaxSize int
}

// NewMessageChunker creates a chunker with the given max size.
func NewMessageChunker(maxSize int) *MessageChunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	return &MessageChunker{MaxSize: maxSize}
}

// Chunk splits text into pieces of at most MaxSize runes. Literal "\n"
// escapes, which models sometimes emit, are turned into line breaks first.
func (c *MessageChunker) Chunk(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, `\n`, "\n"))
	if text == "" {
		return nil
	}

	var chunks []string
	remaining := text
	for utf8.RuneCountInString(remaining) > c.MaxSize {
		cut := runeOffset(remaining, c.MaxSize)
		at := c.breakPoint(remaining, cut)

		if chunk := strings.TrimRightFunc(remaining[:at], unicode.IsSpace); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[at:], unicode.IsSpace)
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// breakPoint returns the byte offset to split text at, no later than cut.
func (c *MessageChunker) breakPoint(text string, cut int) int {
	window := text[:cut]
	if cut < len(text) && isSpaceByte(text[cut]) {
		// A separator right after the limit is still a clean break.
		window = text[:cut+1]
	}

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx
	}
	if idx := lastSentenceEnd(window, text); idx > 0 {
		return idx
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}

	// Hard break: step back out of a number if the cut lands inside one.
	at := cut
	for at > 0 && at < len(text) && isNumberRune(lastRune(text[:at])) && isNumberRune(firstRune(text[at:])) {
		_, size := utf8.DecodeLastRuneInString(text[:at])
		at -= size
	}
	if at == 0 {
		return cut
	}
	return at
}

// lastSentenceEnd finds the last ". ", "! " or "? " in window and returns
// the offset just past the punctuation. A period after a digit does not end
// a sentence, so list markers like "1. " and amounts stay whole.
func lastSentenceEnd(window, text string) int {
	for i := len(window) - 1; i > 0; i-- {
		switch window[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 >= len(text) || !isSpaceByte(text[i+1]) {
			continue
		}
		if window[i] == '.' && window[i-1] >= '0' && window[i-1] <= '9' {
			continue
		}
		return i + 1
	}
	return -1
}

func runeOffset(s string, n int) int {
	i := 0
	for offset := range s {
		if i == n {
			return offset
		}
		i++
	}
	return len(s)
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func isNumberRune(r rune) bool {
	return unicode.IsDigit(r) || r == '.' || r == ','
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// SplitMessage is a convenience wrapper around MessageChunker.
func SplitMessage(text string, maxLength int) []string {
	return NewMessageChunker(maxLength).Chunk(text)
}
