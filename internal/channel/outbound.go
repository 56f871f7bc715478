package channel

import (
	"strings"
)

// SilentReplyToken is the reply an agent emits when nothing should be shown to the user.
const SilentReplyToken = "NO_REPLY"

// IsSilentReplyText reports whether text is exactly the silent token once trimmed.
func IsSilentReplyText(text string) bool {
	return strings.TrimSpace(text) == SilentReplyToken
}

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound messages are chunked and retried.
type OutboundPolicy struct {
	TextChunkLimit int         `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode `json:"chunker_mode,omitempty"`
	Chunker        Chunker     `json:"-"`
	RetryMax       int         `json:"retry_max,omitempty"`
	RetryBackoffMs int         `json:"retry_backoff_ms,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = 2000
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeMarkdown
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = 3
	}
	if policy.RetryBackoffMs <= 0 {
		policy.RetryBackoffMs = 500
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	return policy
}

// ResolveChunkLimit returns min(configured, hard), ignoring non-positive values.
func ResolveChunkLimit(configured, hard int) int {
	switch {
	case configured <= 0:
		return hard
	case hard <= 0:
		return configured
	case configured < hard:
		return configured
	default:
		return hard
	}
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeText:
		return ChunkText
	default:
		return ChunkMarkdownText
	}
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
// A line longer than the limit is cut at rune boundaries without trimming, so
// its pieces concatenate back to the line.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n"))
	}
	return chunks
}

// ChunkMarkdownText splits text at paragraph boundaries (double newlines),
// respecting the rune limit. A fenced code block is never split across a
// paragraph boundary; when one block alone exceeds the limit it is split by
// lines and each piece is closed and reopened with the original fence.
// When every block fits, joining the chunks with "\n\n" yields the trimmed input.
func ChunkMarkdownText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	blocks := splitMarkdownBlocks(trimmed)
	chunks := make([]string, 0)
	buf := make([]string, 0, len(blocks))
	bufLen := 0
	for _, block := range blocks {
		blockLen := runeLen(block)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 2
		}
		if bufLen+sepLen+blockLen <= limit {
			buf = append(buf, block)
			bufLen += sepLen + blockLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if blockLen <= limit {
			buf = append(buf, block)
			bufLen = blockLen
			continue
		}
		chunks = append(chunks, splitFenceAware(block, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n\n"))
	}
	return chunks
}

// splitMarkdownBlocks splits on blank-line paragraph breaks, keeping every
// fenced code block inside one block.
func splitMarkdownBlocks(text string) []string {
	paragraphs := strings.Split(text, "\n\n")
	blocks := make([]string, 0, len(paragraphs))
	current := ""
	marker := ""
	for i, para := range paragraphs {
		if i == 0 || marker == "" {
			if i > 0 {
				blocks = append(blocks, current)
			}
			current = para
		} else {
			current += "\n\n" + para
		}
		marker = scanFences(para, marker)
	}
	return append(blocks, current)
}

// scanFences walks the lines of text starting with the given open fence
// marker and returns the marker still open at the end ("" when closed).
func scanFences(text, open string) string {
	for _, line := range strings.Split(text, "\n") {
		open = nextFenceState(line, open)
	}
	return open
}

func nextFenceState(line, open string) string {
	marker, ok := fenceMarker(line)
	if !ok {
		return open
	}
	if open == "" {
		return marker
	}
	rest := strings.TrimSpace(line)
	if marker[0] == open[0] && len(marker) >= len(open) && strings.TrimSpace(rest[len(marker):]) == "" {
		return ""
	}
	return open
}

// fenceMarker returns the run of backticks or tildes opening line, if any.
func fenceMarker(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return "", false
	}
	ch := trimmed[0]
	if ch != '`' && ch != '~' {
		return "", false
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == ch {
		n++
	}
	if n < 3 {
		return "", false
	}
	return trimmed[:n], true
}

// splitFenceAware packs the lines of an oversized block into chunks. An open
// fence is closed at the end of a chunk and its header repeated at the start
// of the next one, with room for the closing marker reserved up front.
func splitFenceAware(block string, limit int) []string {
	lines := strings.Split(block, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	content := 0
	header := ""
	marker := ""

	flush := func() {
		if content == 0 {
			return
		}
		if marker != "" {
			buf = append(buf, marker)
		}
		chunks = append(chunks, strings.Join(buf, "\n"))
		buf = buf[:0]
		bufLen = 0
		content = 0
		if marker != "" {
			buf = append(buf, header)
			bufLen = runeLen(header)
		}
	}
	add := func(line string) {
		if len(buf) > 0 {
			bufLen++
		}
		buf = append(buf, line)
		bufLen += runeLen(line)
		content++
	}
	fits := func(lineLen int, reserve int) bool {
		sep := 0
		if len(buf) > 0 {
			sep = 1
		}
		return bufLen+sep+lineLen+reserve <= limit
	}

	for _, line := range lines {
		nextMarker := nextFenceState(line, marker)
		nextHeader := header
		if marker == "" && nextMarker != "" {
			nextHeader = line
		}
		reserve := 0
		if nextMarker != "" {
			reserve = 1 + runeLen(nextMarker)
		}
		lineLen := runeLen(line)
		if !fits(lineLen, reserve) {
			flush()
		}
		if fits(lineLen, reserve) {
			add(line)
			if marker == "" && nextMarker != "" {
				// A bare opener is not worth a chunk of its own.
				content--
			}
			header, marker = nextHeader, nextMarker
			continue
		}
		// The line alone does not fit next to the reopened header: hard split it.
		sep := 0
		if len(buf) > 0 {
			sep = 1
		}
		avail := limit - bufLen - sep - reserve
		if nextMarker != "" {
			if reopened := limit - runeLen(nextHeader) - 1 - reserve; reopened < avail {
				avail = reopened
			}
		}
		if avail <= 0 {
			return ChunkText(block, limit)
		}
		header, marker = nextHeader, nextMarker
		runes := []rune(line)
		for start := 0; start < len(runes); start += avail {
			end := start + avail
			if end > len(runes) {
				end = len(runes)
			}
			add(string(runes[start:end]))
			if end < len(runes) {
				flush()
			}
		}
	}
	if content > 0 {
		if marker != "" {
			buf = append(buf, marker)
		}
		chunks = append(chunks, strings.Join(buf, "\n"))
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
