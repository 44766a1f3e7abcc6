package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

func event(corr, decision string) contracts.AuditEvent {
	return contracts.AuditEvent{
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		CorrelationID: corr,
		TenantID:      "acme",
		Decision:      decision,
		ThreatLevel:   contracts.SeverityLow,
	}
}

func TestChainLogLinksRecords(t *testing.T) {
	c := NewChainLog(nil)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, event("req_1", "allow")))
	require.NoError(t, c.Record(ctx, event("req_2", "block")))
	require.NoError(t, c.Record(ctx, event("req_3", "allow")))

	recs := c.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "genesis", recs[0].PrevHash)
	assert.Equal(t, recs[0].Hash, recs[1].PrevHash)
	assert.Equal(t, recs[1].Hash, recs[2].PrevHash)
	assert.Equal(t, recs[2].Hash, c.Head())
	assert.True(t, strings.HasPrefix(recs[0].Hash, "sha256:"))

	assert.NoError(t, c.Verify())
}

func TestChainLogDetectsTampering(t *testing.T) {
	c := NewChainLog(nil)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, event("req_1", "allow")))
	require.NoError(t, c.Record(ctx, event("req_2", "allow")))

	c.records[0].Event.Decision = "block"
	err := c.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1")
}

func TestChainLogJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	c := NewChainLog(&buf)
	require.NoError(t, c.Record(context.Background(), event("req_1", "allow")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec ChainRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, "req_1", rec.Event.CorrelationID)
	assert.Equal(t, "genesis", rec.PrevHash)
}

func TestChainHashDeterministic(t *testing.T) {
	e := event("req_1", "allow")
	h1, err := chainHash(1, e, "genesis")
	require.NoError(t, err)
	h2, err := chainHash(1, e, "genesis")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := chainHash(2, e, "genesis")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestNopSinks(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, NopAudit{}.Record(ctx, event("req_1", "allow")))

	m := NopMetrics{}
	done := m.RequestStarted(ctx, "acme", "openai", "gpt-4o")
	done(nil)
	m.CacheLookup(ctx, true)
	m.Rejection(ctx, faults.QueueFull)
	m.StageDuration(ctx, "scan", time.Millisecond)
}

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackRequest(context.Background())
	assert.NotNil(t, ctx)
	done(nil)

	m := NewOTelMetrics(p)
	finish := m.RequestStarted(context.Background(), "acme", "openai", "gpt-4o")
	finish(assert.AnError)
	m.CacheLookup(context.Background(), false)
	m.Rejection(context.Background(), faults.LoadShed)

	assert.NoError(t, p.Shutdown(context.Background()))
}
