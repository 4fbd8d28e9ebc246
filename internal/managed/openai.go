package managed

import (
	"encoding/base64"
	"strings"

	"fleetllm/internal/provider"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionRequest struct {
	Messages         []chatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Temperature      *float32      `json:"temperature,omitempty"`
	TopP             *float32      `json:"top_p,omitempty"`
	TopK             *int          `json:"top_k,omitempty"`
	MinP             *float32      `json:"min_p,omitempty"`
	RepeatPenalty    *float32      `json:"repeat_penalty,omitempty"`
	PresencePenalty  *float32      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32      `json:"frequency_penalty,omitempty"`
	Mirostat         *int          `json:"mirostat,omitempty"`
	MirostatTau      *float32      `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32      `json:"mirostat_eta,omitempty"`
	Seed             *int          `json:"seed,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatCompletionResponse struct {
	Choices []chatChoice `json:"choices"`
	// Content is set by servers that stream bare completion objects.
	Content string `json:"content"`
}

// text returns the delta content of a streamed event, falling back to
// the message content and then to a bare content field.
func (r chatCompletionResponse) text() string {
	if len(r.Choices) > 0 {
		if c := r.Choices[0].Delta.Content; c != "" {
			return c
		}
		if c := r.Choices[0].Message.Content; c != "" {
			return c
		}
	}
	return r.Content
}

type embeddingsRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func newChatRequest(req provider.ChatRequest, images []string, stream bool) chatCompletionRequest {
	var msgs []chatMessage
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: s})
	}
	if len(images) == 0 {
		msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := []contentPart{{Type: "text", Text: req.Prompt}}
		for _, img := range images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL(img)}})
		}
		msgs = append(msgs, chatMessage{Role: "user", Content: parts})
	}
	p := req.Params
	return chatCompletionRequest{
		Messages:         msgs,
		Stream:           stream,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		TopK:             p.TopK,
		MinP:             p.MinP,
		RepeatPenalty:    p.RepeatPenalty,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		Mirostat:         p.Mirostat,
		MirostatTau:      p.MirostatTau,
		MirostatEta:      p.MirostatEta,
		Seed:             p.Seed,
		Stop:             p.Stop,
	}
}

// dataURL wraps a base64 image in a data URL. Values that are already URLs
// are passed through.
func dataURL(img string) string {
	if strings.HasPrefix(img, "data:") || strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return img
	}
	mime := "image/jpeg"
	if b, err := base64.StdEncoding.DecodeString(prefix(img, 16)); err == nil && len(b) >= 4 && string(b[1:4]) == "PNG" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + img
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
