package providers

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// HashEmbedder is a deterministic local embedder: token feature hashing
// into a fixed-dimension vector, L2-normalized. It has no semantic
// understanding, but identical prompts map to identical vectors and
// near-identical prompts land close, which is what the exact-reuse tier
// of the cache needs when no embedding service is configured.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with the given dimensionality
// (default 256).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	folded := strings.ToLower(norm.NFKC.String(text))
	for _, tok := range strings.Fields(folded) {
		sum := sha256.Sum256([]byte(tok))
		idx := (int(sum[0])<<8 | int(sum[1])) % h.dims
		sign := 1.0
		if sum[2]%2 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var n float64
	for _, v := range vec {
		n += v * v
	}
	if n > 0 {
		n = math.Sqrt(n)
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}
