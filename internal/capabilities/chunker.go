package capabilities

import (
	"strings"
	"unicode/utf8"
)

// ChunkOptions controls document splitting for the knowledge base.
type ChunkOptions struct {
	Size    int // target chunk length in runes
	Overlap int // runes carried from the end of one chunk into the next
}

// DefaultChunkOptions matches the indexing defaults of the document store.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{Size: 1000, Overlap: 200}
}

// separators are tried in order; the empty separator splits on runes.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// ChunkText splits text into overlapping chunks, preferring paragraph
// boundaries, then lines, sentences and words.
func ChunkText(text string, opts ChunkOptions) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if opts.Size <= 0 {
		opts.Size = DefaultChunkOptions().Size
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = 0
	}
	if utf8.RuneCountInString(text) <= opts.Size {
		return []string{text}
	}

	sep, parts := splitOnFirst(text, opts.Size)
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
	}
	for _, part := range parts {
		// A single oversized part is split again on finer separators.
		if utf8.RuneCountInString(part) > opts.Size && sep != "" {
			flush()
			cur.Reset()
			chunks = append(chunks, ChunkText(part, opts)...)
			continue
		}
		next := utf8.RuneCountInString(cur.String()) + utf8.RuneCountInString(sep) + utf8.RuneCountInString(part)
		if cur.Len() > 0 && next > opts.Size {
			flush()
			tail := lastRunes(cur.String(), opts.Overlap)
			cur.Reset()
			if tail != "" {
				cur.WriteString(tail)
				cur.WriteString(sep)
			}
		} else if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(part)
	}
	flush()
	return chunks
}

func splitOnFirst(text string, size int) (string, []string) {
	for _, sep := range separators {
		if sep == "" {
			return "", runeWindows(text, size)
		}
		if parts := strings.Split(text, sep); len(parts) > 1 {
			return sep, parts
		}
	}
	return "", []string{text}
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[len(r)-n:])
}

func runeWindows(text string, n int) []string {
	r := []rune(text)
	out := make([]string, 0, len(r)/n+1)
	for i := 0; i < len(r); i += n {
		out = append(out, string(r[i:min(i+n, len(r))]))
	}
	return out
}
