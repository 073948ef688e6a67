// Package provider sends assembled contexts to a language model and streams
// the reply back as text fragments.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/assembler"
	"github.com/ent0n29/parley/internal/credential"
)

type Request struct {
	Messages []assembler.Message `json:"messages"`
	Stream   bool                `json:"stream"`
}

type Response struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// FragmentHandler receives streamed text fragments in order. Returning an
// error aborts the invocation.
type FragmentHandler func(fragment string) error

// Invoker submits a prompt and returns the answer. The reply text equals the
// concatenation of every fragment delivered to onFragment.
type Invoker interface {
	Invoke(ctx context.Context, req Request, cred *credential.Credential, onFragment FragmentHandler) (Response, error)
}

// StatusError is a non-2xx answer from the model endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model endpoint status %d: %s", e.Code, e.Body)
}

var ErrMissingCredential = errors.New("model invocation requires a credential")

// Config controls invoker construction.
type Config struct {
	Mode       string
	BaseURL    string
	Model      string
	Deployment string
	APIVersion string
	Headers    map[string]string
	Timeout    time.Duration
}

func NewInvoker(cfg Config) (Invoker, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "openai":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, errors.New("model id is required for the openai provider")
		}
		return NewHTTPInvoker(cfg), nil
	case "azure":
		if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.Deployment) == "" {
			return nil, errors.New("azure endpoint and deployment are required for the azure provider")
		}
		return NewHTTPInvoker(cfg), nil
	case "mock":
		return NewMockInvoker(), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Mode)
	}
}
