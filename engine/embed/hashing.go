package embed

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// DefaultHashingDims matches the all-MiniLM-L6-v2 output size so a hashing
// index can be swapped for a model-backed one without resizing the collection.
const DefaultHashingDims = 384

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "were": {}, "what": {}, "which": {}, "who": {}, "with": {},
}

// Hashing is a model-free embedder: signed feature hashing of lower-cased word
// tokens, L2-normalised. It is deterministic, stateless and safe for
// concurrent use. It serves offline deployments and tests.
type Hashing struct {
	dims int
}

// NewHashing returns a hashing embedder producing dims-length vectors.
func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = DefaultHashingDims
	}
	return &Hashing{dims: dims}
}

func (h *Hashing) Dimension() int { return h.dims }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return []float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dims)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
