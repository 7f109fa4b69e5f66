// Package chunker splits extracted document text into bounded, overlapping
// chunks suitable for embedding.
//
// Splitting is recursive over a separator priority list (paragraph, line,
// word, character). Text is packed greedily on the coarsest separator that
// occurs in it; any chunk still longer than the size limit is split again with
// the separators that follow. Lengths are counted in runes.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum chunk length in runes.
	DefaultChunkSize = 512
	// DefaultOverlap is the number of runes carried from one chunk into the next.
	DefaultOverlap = 102
)

// DefaultSeparators goes paragraph → line → word → character.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// ErrInvalidOptions is returned by New for unusable size/overlap settings.
var ErrInvalidOptions = errors.New("chunker: invalid options")

// Options configures a Splitter.
type Options struct {
	ChunkSize  int
	Overlap    int
	Separators []string
}

// DefaultOptions returns the sizes used by the ingestion pipeline.
func DefaultOptions() Options {
	return Options{
		ChunkSize:  DefaultChunkSize,
		Overlap:    DefaultOverlap,
		Separators: DefaultSeparators,
	}
}

// Splitter is a validated chunking configuration. It holds no mutable state
// and is safe for concurrent use.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

// New validates opts and returns a Splitter. An overlap that is not strictly
// smaller than the chunk size is rejected since packing could never advance.
// The empty separator is appended when missing so character splitting always
// remains available as the last resort.
func New(opts Options) (*Splitter, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidOptions, opts.ChunkSize)
	}
	if opts.Overlap < 0 {
		return nil, fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidOptions, opts.Overlap)
	}
	if opts.Overlap >= opts.ChunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", ErrInvalidOptions, opts.Overlap, opts.ChunkSize)
	}
	seps := opts.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	seps = append([]string(nil), seps...)
	if seps[len(seps)-1] != "" {
		seps = append(seps, "")
	}
	return &Splitter{size: opts.ChunkSize, overlap: opts.Overlap, separators: seps}, nil
}

// ChunkSize returns the configured maximum chunk length.
func (s *Splitter) ChunkSize() int { return s.size }

// Overlap returns the configured overlap.
func (s *Splitter) Overlap() int { return s.overlap }

// Split breaks text into chunks. Empty text yields no chunks.
func (s *Splitter) Split(text string) []string {
	return SplitText(text, s.size, s.overlap, s.separators)
}

// SplitText is the recursive splitting algorithm. Callers are expected to pass
// 0 <= overlap < chunkSize; New enforces this for Splitter users.
func SplitText(text string, chunkSize, overlap int, separators []string) []string {
	if text == "" {
		return nil
	}
	sep, rest := pickSeparator(text, separators)
	packed := merge(tokenize(text, sep), sep, chunkSize, overlap)

	out := make([]string, 0, len(packed))
	for _, c := range packed {
		if runeLen(c) > chunkSize && len(rest) > 0 {
			out = append(out, SplitText(c, chunkSize, overlap, rest)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// pickSeparator returns the first separator that is empty or present in text,
// together with the separators that come after it.
func pickSeparator(text string, separators []string) (string, []string) {
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			return sep, separators[i+1:]
		}
	}
	return "", nil
}

func tokenize(text, sep string) []string {
	// strings.Split with an empty separator yields one token per rune.
	return strings.Split(text, sep)
}

// merge packs tokens greedily into windows no longer than chunkSize, seeding
// each new window with a tail of the previous one of at most overlap runes.
func merge(tokens []string, sep string, chunkSize, overlap int) []string {
	sepLen := runeLen(sep)
	var (
		chunks []string
		window []string
		length int
	)
	cost := func(tok string) int {
		if len(window) == 0 {
			return runeLen(tok)
		}
		return runeLen(tok) + sepLen
	}
	dropFront := func() {
		if len(window) > 1 {
			length -= runeLen(window[0]) + sepLen
		} else {
			length -= runeLen(window[0])
		}
		window = window[1:]
	}

	for _, tok := range tokens {
		if len(window) > 0 && length+cost(tok) > chunkSize {
			if c := strings.Join(window, sep); c != "" {
				chunks = append(chunks, c)
			}
			for len(window) > 0 && length > overlap {
				dropFront()
			}
			// The retained tail may still not leave room for tok.
			for len(window) > 0 && length+cost(tok) > chunkSize {
				dropFront()
			}
		}
		length += cost(tok)
		window = append(window, tok)
	}
	if c := strings.Join(window, sep); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
