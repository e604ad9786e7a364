package memory

import "strings"

// CharsPerToken approximates the token count of text without a tokenizer.
const CharsPerToken = 4

// TextChunk is a slice of source text with 1-indexed, inclusive line provenance.
type TextChunk struct {
	Text      string `json:"text"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Chunker splits text into overlapping, size-bounded chunks along line boundaries.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// NewChunker creates a chunker. Non-positive sizes fall back to 500/50 tokens.
func NewChunker(maxTokens, overlapTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if overlapTokens < 0 {
		overlapTokens = 50
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens}
}

// MaxChars is the character budget of a single chunk. It counts line
// content only; the newlines joining a chunk's lines are not charged.
func (c *Chunker) MaxChars() int {
	return c.maxTokens * CharsPerToken
}

// OverlapChars is the character budget of the overlap window.
func (c *Chunker) OverlapChars() int {
	return c.overlapTokens * CharsPerToken
}

// Chunk splits text. Blank input yields no chunks.
func (c *Chunker) Chunk(text string) []TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lines := strings.Split(text, "\n")
	maxChars := c.MaxChars()
	overlapChars := c.OverlapChars()

	var chunks []TextChunk
	var current []string
	currentChars := 0
	startLine := 1

	for i, line := range lines {
		lineNo := i + 1
		lineChars := len([]rune(line))

		if lineChars > maxChars {
			if len(current) > 0 {
				chunks = append(chunks, TextChunk{
					Text:      strings.Join(current, "\n"),
					StartLine: startLine,
					EndLine:   lineNo - 1,
				})
				current = nil
				currentChars = 0
			}

			for _, piece := range hardSplit(line, maxChars) {
				chunks = append(chunks, TextChunk{
					Text:      piece,
					StartLine: lineNo,
					EndLine:   lineNo,
				})
			}
			startLine = lineNo + 1
			continue
		}

		if currentChars+lineChars > maxChars && len(current) > 0 {
			chunks = append(chunks, TextChunk{
				Text:      strings.Join(current, "\n"),
				StartLine: startLine,
				EndLine:   lineNo - 1,
			})

			// the seeded overlap plus the triggering line stays within budget
			overlap := overlapSuffix(current, min(overlapChars, maxChars-lineChars))
			current = append(overlap, line)
			currentChars = 0
			for _, l := range current {
				currentChars += len([]rune(l))
			}
			startLine = lineNo - len(overlap)
			continue
		}

		current = append(current, line)
		currentChars += lineChars
	}

	if len(current) > 0 {
		chunks = append(chunks, TextChunk{
			Text:      strings.Join(current, "\n"),
			StartLine: startLine,
			EndLine:   len(lines),
		})
	}

	return chunks
}

// overlapSuffix returns the longest suffix of lines whose total length fits in limit.
func overlapSuffix(lines []string, limit int) []string {
	if limit <= 0 {
		return nil
	}

	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := len([]rune(lines[i]))
		if total+n > limit {
			break
		}
		total += n
		start = i
	}

	suffix := make([]string, len(lines)-start)
	copy(suffix, lines[start:])
	return suffix
}

func hardSplit(line string, size int) []string {
	runes := []rune(line)
	pieces := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[i:end]))
	}
	return pieces
}
