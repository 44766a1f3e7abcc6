package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 0, PriorityCritical.Rank())
	assert.Equal(t, 4, PriorityBackground.Rank())
	// Unknown priorities fall back to the normal band.
	assert.Equal(t, 2, Priority("bogus").Rank())
	assert.False(t, Priority("bogus").Valid())
	assert.True(t, PriorityLow.Valid())
}

func TestSeverityScore(t *testing.T) {
	assert.Equal(t, 0.0, SeverityNone.Score())
	assert.Equal(t, 0.2, SeverityLow.Score())
	assert.Equal(t, 0.4, SeverityMedium.Score())
	assert.Equal(t, 0.7, SeverityHigh.Score())
	assert.Equal(t, 1.0, SeverityCritical.Score())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityNone))
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleUser, Content: "hello"}
	assert.Equal(t, "hello", m.Text())

	m = Message{Role: RoleUser, Parts: []ContentPart{
		{Type: "text", Text: "a"},
		{Type: "image", URL: "http://x/img.png"},
		{Type: "text", Text: "b"},
	}}
	assert.Equal(t, "ab", m.Text())
}

func TestRequestUserText(t *testing.T) {
	r := &Request{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
	}}
	assert.Equal(t, "first\nsecond", r.UserText())
	assert.Equal(t, "sys\nfirst\nreply\nsecond", r.AllText())
}

func TestRequestClone(t *testing.T) {
	r := &Request{
		CorrelationID: NewCorrelationID(),
		UserGroups:    []string{"g1"},
		Messages: []Message{
			{Role: RoleUser, Content: "secret", Parts: []ContentPart{{Type: "text", Text: "p"}}},
		},
	}
	cp := r.Clone()
	cp.Messages[0].Content = "redacted"
	cp.Messages[0].Parts[0].Text = "q"
	cp.UserGroups[0] = "g2"

	assert.Equal(t, "secret", r.Messages[0].Content)
	assert.Equal(t, "p", r.Messages[0].Parts[0].Text)
	assert.Equal(t, "g1", r.UserGroups[0])
}

func TestHighestFinding(t *testing.T) {
	v := &AggregatedVerdict{}
	assert.Nil(t, v.HighestFinding())

	v.Findings = []Finding{
		{Type: "A", Severity: SeverityLow},
		{Type: "B", Severity: SeverityCritical},
		{Type: "C", Severity: SeverityMedium},
	}
	f := v.HighestFinding()
	require.NotNil(t, f)
	assert.Equal(t, "B", f.Type)
}

func TestNewCorrelationID(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "req_")
}
