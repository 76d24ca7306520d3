// Package mercure publishes task notifications to a Mercure hub.
package mercure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Publisher posts private updates to a Mercure hub.
type Publisher struct {
	hubURL string
	key    []byte
	client *http.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher for hubURL that signs its publish tokens
// with jwtKey.
func NewPublisher(hubURL, jwtKey string, client *http.Client, logger *slog.Logger) *Publisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		hubURL: hubURL,
		key:    []byte(jwtKey),
		client: client,
		logger: logger.With("component", "mercure"),
	}
}

// Token returns an HS256 token allowing publication to targets.
func (p *Publisher) Token(subscribe, publish []string) (string, error) {
	if subscribe == nil {
		subscribe = []string{}
	}
	if publish == nil {
		publish = []string{}
	}
	claims := jwt.MapClaims{
		"mercure": map[string]any{
			"subscribe": subscribe,
			"publish":   publish,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign mercure token: %w", err)
	}
	return signed, nil
}

// Publish sends data on topic as a private update visible to targets.
func (p *Publisher) Publish(ctx context.Context, topic string, targets []string, data string) error {
	token, err := p.Token(nil, targets)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("topic", topic)
	form.Set("data", data)
	form.Set("private", "on")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build mercure request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish to mercure hub: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mercure hub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	p.logger.DebugContext(ctx, "published mercure update", "topic", topic)
	return nil
}
