package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/credential"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// HTTPInvoker talks to an OpenAI-compatible chat completions endpoint, in
// either the plain form or the Azure deployment form.
type HTTPInvoker struct {
	endpoint string
	model    string
	headers  map[string]string
	client   *http.Client
}

func NewHTTPInvoker(cfg Config) *HTTPInvoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPInvoker{
		endpoint: completionsURL(cfg),
		model:    strings.TrimSpace(cfg.Model),
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: timeout},
	}
}

func completionsURL(cfg Config) string {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.EqualFold(strings.TrimSpace(cfg.Mode), "azure") {
		u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions", base, url.PathEscape(cfg.Deployment))
		if v := strings.TrimSpace(cfg.APIVersion); v != "" {
			u += "?api-version=" + url.QueryEscape(v)
		}
		return u
	}
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return base + "/chat/completions"
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c chatChunk) text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	if d := c.Choices[0].Delta.Content; d != "" {
		return d
	}
	return c.Choices[0].Message.Content
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request, cred *credential.Credential, onFragment FragmentHandler) (Response, error) {
	if cred == nil || cred.Token == "" {
		return Response{}, ErrMissingCredential
	}

	body := chatRequest{Model: h.model, Stream: req.Stream}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	for k, v := range h.headers {
		if strings.TrimSpace(v) != "" {
			httpReq.Header.Set(k, v)
		}
	}

	res, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if strings.Contains(strings.ToLower(res.Header.Get("Content-Type")), "text/event-stream") {
		return h.consumeSSE(res.Body, onFragment)
	}

	var chunk chatChunk
	if err := json.NewDecoder(res.Body).Decode(&chunk); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	text := chunk.text()
	if text != "" && onFragment != nil {
		if err := onFragment(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, Model: chunk.Model}, nil
}

func (h *HTTPInvoker) consumeSSE(body io.Reader, onFragment FragmentHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	var model string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Response{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		fragment := chunk.text()
		if fragment == "" {
			continue
		}
		out.WriteString(fragment)
		if onFragment != nil {
			if err := onFragment(fragment); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String(), Model: model}, nil
}
