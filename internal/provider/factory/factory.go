// Package factory constructs the configured provider adapters and registers
// them with the provider registry.
package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"aibridge/internal/config"
	"aibridge/internal/provider"
	ollamaProvider "aibridge/internal/provider/ollama"
	openaiProvider "aibridge/internal/provider/openai"
	"aibridge/internal/runtime"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders builds both adapters and stores them in the
// registry. The shared HTTP client has no overall timeout because streaming
// responses stay open for the life of a completion; cancellation comes from
// the request context.
func RegisterConfiguredProviders(cfg config.Config, settings *runtime.Settings, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if settings == nil {
		return errors.New("runtime settings must not be nil")
	}

	client := newHTTPClient()

	openAI, err := openaiProvider.New(cfg.OpenAI, settings, client)
	if err != nil {
		return fmt.Errorf("initialise openai provider: %w", err)
	}
	if err := registry.Register(openAI); err != nil {
		return fmt.Errorf("register openai provider: %w", err)
	}

	ollama, err := ollamaProvider.New(cfg.Ollama, client)
	if err != nil {
		return fmt.Errorf("initialise ollama provider: %w", err)
	}
	if err := registry.Register(ollama); err != nil {
		return fmt.Errorf("register ollama provider: %w", err)
	}

	return nil
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
