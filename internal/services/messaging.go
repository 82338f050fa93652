package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SendResult is what a provider reports back for one delivery attempt.
type SendResult struct {
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// MessageProvider delivers a rendered message to a recipient on behalf of a
// business. Implementations are registered by name.
type MessageProvider interface {
	Name() string
	Send(ctx context.Context, businessID uint, recipient, content string) (*SendResult, error)
}

// ProviderRegistry resolves providers by name. Safe for concurrent use.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]MessageProvider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]MessageProvider)}
}

func (r *ProviderRegistry) Register(p MessageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *ProviderRegistry) Get(name string) (MessageProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// IsWhatsAppProvider reports whether the provider requires a connected
// WhatsApp-family app installation before sending.
func IsWhatsAppProvider(name string) bool {
	switch name {
	case "whatsapp", "whatsapp_cloud", "wa_business":
		return true
	}
	return false
}

// LogProvider records deliveries in the log only. Used as the default
// provider in development and in tests.
type LogProvider struct {
	logger *logrus.Logger
}

func NewLogProvider(logger *logrus.Logger) *LogProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, businessID uint, recipient, content string) (*SendResult, error) {
	p.logger.WithFields(logrus.Fields{
		"business_id": businessID,
		"recipient":   recipient,
	}).Infof("message delivery (log provider): %s", content)
	return &SendResult{Provider: p.Name(), Status: "sent", MessageID: fmt.Sprintf("log-%d", time.Now().UnixNano())}, nil
}

// HTTPProviderConfig configures an HTTP gateway provider.
type HTTPProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider posts deliveries to an external messaging gateway.
type HTTPProvider struct {
	config     HTTPProviderConfig
	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     *logrus.Logger
}

func NewHTTPProvider(config HTTPProviderConfig, logger *logrus.Logger) *HTTPProvider {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &HTTPProvider{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: NewCircuitBreaker(),
		logger:  logger,
	}
}

func (p *HTTPProvider) Name() string { return p.config.Name }

func (p *HTTPProvider) Send(ctx context.Context, businessID uint, recipient, content string) (*SendResult, error) {
	if !p.breaker.Allow() {
		return nil, fmt.Errorf("provider %s: circuit breaker open", p.config.Name)
	}

	body, err := json.Marshal(map[string]interface{}{
		"business_id": businessID,
		"recipient":   recipient,
		"content":     content,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.breaker.OnFailure()
		return nil, fmt.Errorf("provider %s: %w", p.config.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.breaker.OnFailure()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider %s returned %d: %s", p.config.Name, resp.StatusCode, string(snippet))
	}
	p.breaker.OnSuccess()

	var out struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	status := out.Status
	if status == "" {
		status = "sent"
	}
	return &SendResult{Provider: p.config.Name, Status: status, MessageID: out.MessageID}, nil
}
