package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/semcache"
)

func TestParseRequestStringContent(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	raw := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		],
		"temperature": 0.7,
		"max_tokens": 100,
		"user": "u-1"
	}`)

	req, err := a.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "openai", req.Provider)
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, contracts.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[1].Text())
	require.NotNil(t, req.Parameters.Temperature)
	assert.InDelta(t, 0.7, *req.Parameters.Temperature, 1e-9)
	require.NotNil(t, req.Parameters.MaxTokens)
	assert.Equal(t, 100, *req.Parameters.MaxTokens)
	assert.Equal(t, "u-1", req.UserID)
}

func TestParseRequestStructuredParts(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	raw := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "describe this"},
				{"type": "image_url", "image_url": {"url": "https://img.example/x.png"}}
			]}
		]
	}`)

	req, err := a.ParseRequest(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Parts, 2)
	assert.Equal(t, "describe this", req.Messages[0].Text())
	assert.Equal(t, "https://img.example/x.png", req.Messages[0].Parts[1].URL)
}

func TestParseRequestMissingModel(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	_, err := a.ParseRequest([]byte(`{"messages": []}`))
	assert.Error(t, err)
}

func TestSerializeParseRoundTrip(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	temp := 0.3
	orig := &contracts.Request{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []contracts.Message{
			{Role: contracts.RoleSystem, Content: "be brief"},
			{Role: contracts.RoleUser, Parts: []contracts.ContentPart{
				{Type: "text", Text: "hi"},
				{Type: "image_url", URL: "https://img.example/y.png"},
			}},
		},
		Parameters: contracts.Parameters{Temperature: &temp},
		Streaming:  true,
		UserID:     "u-1",
	}

	wire, err := a.SerializeRequest(orig)
	require.NoError(t, err)
	back, err := a.ParseRequest(wire)
	require.NoError(t, err)

	assert.Equal(t, orig.Model, back.Model)
	assert.Equal(t, orig.Streaming, back.Streaming)
	assert.Equal(t, orig.UserID, back.UserID)
	require.Len(t, back.Messages, 2)
	assert.Equal(t, orig.Messages[0].Content, back.Messages[0].Content)
	assert.Equal(t, orig.Messages[1].Parts, back.Messages[1].Parts)
	require.NotNil(t, back.Parameters.Temperature)
	assert.InDelta(t, temp, *back.Parameters.Temperature, 1e-9)

	// Serializing again yields the same wire bytes.
	wire2, err := a.SerializeRequest(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(wire), string(wire2))
}

func TestParseResponse(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	req := &contracts.Request{CorrelationID: "req_x", Model: "gpt-4o"}
	raw := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o-2024",
		"choices": [{"message": {"content": "hi there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 5}
	}`)

	resp, err := a.ParseResponse(raw, req)
	require.NoError(t, err)
	assert.Equal(t, "req_x", resp.CorrelationID)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestParseResponseEmptyChoices(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	_, err := a.ParseResponse([]byte(`{"choices": []}`), nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, err := r.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Provider())

	_, err = r.Get("nope")
	assert.Error(t, err)

	r.Register(NewOpenAIAdapter("azure"))
	a, err = r.Get("azure")
	require.NoError(t, err)
	assert.Equal(t, "azure", a.Provider())
}

func TestNormalizeFillsDefaults(t *testing.T) {
	req := &contracts.Request{Provider: "openai", Model: "gpt-4o"}
	Normalize(req, "acme", "u-1", []string{"eng"})

	assert.NotEmpty(t, req.CorrelationID)
	assert.False(t, req.ReceivedAt.IsZero())
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, contracts.PriorityNormal, req.Priority)

	// Valid existing fields are preserved.
	req2 := &contracts.Request{CorrelationID: "req_keep", Priority: contracts.PriorityHigh}
	Normalize(req2, "", "", nil)
	assert.Equal(t, "req_keep", req2.CorrelationID)
	assert.Equal(t, contracts.PriorityHigh, req2.Priority)
}

func TestHashEmbedderDeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "What is the capital of France?")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.InDelta(t, 1.0, semcache.Cosine(v1, v2), 1e-9)

	v3, err := e.Embed(ctx, "completely different words entirely")
	require.NoError(t, err)
	assert.Less(t, semcache.Cosine(v1, v3), 0.5)

	// Case and unicode width folding.
	v4, err := e.Embed(ctx, "WHAT IS THE CAPITAL OF FRANCE?")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, semcache.Cosine(v1, v4), 1e-9)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	e := NewHashEmbedder(16)
	v, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, v, 16)
	for _, x := range v {
		assert.Zero(t, x)
	}
}
