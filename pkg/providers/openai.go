package providers

import (
	"encoding/json"
	"fmt"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// OpenAIAdapter speaks the chat-completions wire format. Several
// upstreams are compatible with it, so the provider name is set at
// construction.
type OpenAIAdapter struct {
	provider string
}

func NewOpenAIAdapter(provider string) *OpenAIAdapter {
	return &OpenAIAdapter{provider: provider}
}

func (a *OpenAIAdapter) Provider() string { return a.provider }

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	User        string          `json:"user,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ParseRequest normalizes a chat-completions request. Content may be a
// plain string or an array of typed parts.
func (a *OpenAIAdapter) ParseRequest(raw []byte) (*contracts.Request, error) {
	var wire openAIRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("openai: parse request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("openai: request missing model")
	}

	req := &contracts.Request{
		Provider:  a.provider,
		Model:     wire.Model,
		Streaming: wire.Stream,
		UserID:    wire.User,
		Parameters: contracts.Parameters{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			MaxTokens:   wire.MaxTokens,
			Seed:        wire.Seed,
		},
	}
	for i, m := range wire.Messages {
		msg, err := parseMessage(m)
		if err != nil {
			return nil, fmt.Errorf("openai: message %d: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func parseMessage(m openAIMessage) (contracts.Message, error) {
	msg := contracts.Message{Role: contracts.Role(m.Role)}
	if len(m.Content) == 0 {
		return msg, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return msg, fmt.Errorf("content is neither string nor part array: %w", err)
	}
	for _, p := range parts {
		part := contracts.ContentPart{Type: p.Type, Text: p.Text}
		if p.ImageURL != nil {
			part.URL = p.ImageURL.URL
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg, nil
}

// SerializeRequest renders the normalized request back to the wire.
// Plain-text messages serialize as strings, structured ones as part
// arrays.
func (a *OpenAIAdapter) SerializeRequest(req *contracts.Request) ([]byte, error) {
	wire := openAIRequest{
		Model:       req.Model,
		Temperature: req.Parameters.Temperature,
		TopP:        req.Parameters.TopP,
		MaxTokens:   req.Parameters.MaxTokens,
		Seed:        req.Parameters.Seed,
		Stream:      req.Streaming,
		User:        req.UserID,
	}
	for _, m := range req.Messages {
		var content json.RawMessage
		var err error
		if len(m.Parts) > 0 {
			parts := make([]openAIContentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				wp := openAIContentPart{Type: p.Type, Text: p.Text}
				if p.URL != "" {
					wp.ImageURL = &struct {
						URL string `json:"url"`
					}{URL: p.URL}
				}
				parts = append(parts, wp)
			}
			content, err = json.Marshal(parts)
		} else {
			content, err = json.Marshal(m.Content)
		}
		if err != nil {
			return nil, fmt.Errorf("openai: serialize message: %w", err)
		}
		wire.Messages = append(wire.Messages, openAIMessage{Role: string(m.Role), Content: content})
	}
	return json.Marshal(wire)
}

// ParseResponse normalizes an upstream chat-completions response.
func (a *OpenAIAdapter) ParseResponse(raw []byte, req *contracts.Request) (*contracts.Response, error) {
	var wire openAIResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("openai: parse response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	resp := &contracts.Response{
		Provider:     a.provider,
		Model:        wire.Model,
		Content:      wire.Choices[0].Message.Content,
		FinishReason: wire.Choices[0].FinishReason,
		Usage: contracts.TokenUsage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	if req != nil {
		resp.CorrelationID = req.CorrelationID
		if resp.Model == "" {
			resp.Model = req.Model
		}
	}
	return resp, nil
}
