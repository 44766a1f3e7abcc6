// Package semcache is the semantic response cache: prompt/response
// pairs keyed by embedding vector, served when cosine similarity beats
// a threshold and the metadata gate passes.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Metadata qualifies a cached entry for reuse.
type Metadata struct {
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	Temperature    *float64 `json:"temperature,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

// temperatureTolerance is the maximum temperature difference between
// query and entry for a hit, applied only when both are set.
const temperatureTolerance = 0.1

// Matches applies the metadata gate: provider and model equal,
// temperatures within tolerance when both set, organization ids equal
// when both set.
func (m Metadata) Matches(q Metadata) bool {
	if m.Provider != q.Provider || m.Model != q.Model {
		return false
	}
	if m.Temperature != nil && q.Temperature != nil {
		if math.Abs(*m.Temperature-*q.Temperature) > temperatureTolerance {
			return false
		}
	}
	if m.OrganizationID != "" && q.OrganizationID != "" && m.OrganizationID != q.OrganizationID {
		return false
	}
	return true
}

// Entry is one cached prompt/response pair.
type Entry struct {
	ID             string              `json:"id"`
	Prompt         string              `json:"prompt"`
	Embedding      []float64           `json:"embedding"`
	Response       *contracts.Response `json:"response"`
	Metadata       Metadata            `json:"metadata"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	Hits           int64               `json:"hits"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// LookupResult is the cache's answer.
type LookupResult struct {
	Hit        bool
	Entry      *Entry
	Similarity float64
	// SavedLatencyEstimate is how long the upstream call the hit
	// avoided would likely have taken.
	SavedLatencyEstimate time.Duration
}

// Cache is the semantic cache contract.
type Cache interface {
	Lookup(ctx context.Context, prompt string, embedding []float64, md Metadata) (LookupResult, error)
	Store(ctx context.Context, prompt string, embedding []float64, resp *contracts.Response, md Metadata) error
	Len(ctx context.Context) (int, error)
}

// Cosine returns dot(a,b)/(|a||b|), 0 when either norm is 0 or the
// dimensions disagree.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// defaultSavedLatency stands in when an entry carries no latency
// observation of its original upstream call.
const defaultSavedLatency = 500 * time.Millisecond

func savedLatency(e *Entry) time.Duration {
	if e.Response != nil && e.Response.LatencyMs > 0 {
		return time.Duration(e.Response.LatencyMs) * time.Millisecond
	}
	return defaultSavedLatency
}

// entryID derives a deterministic id from the canonicalized prompt and
// routing metadata.
func entryID(prompt string, md Metadata) (string, error) {
	input := struct {
		Prompt   string `json:"prompt"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Org      string `json:"org,omitempty"`
	}{prompt, md.Provider, md.Model, md.OrganizationID}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("semcache: entry id marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("semcache: entry id canonicalization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
