package responder

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/responder"
	"zapdesk/pkg/httputil"
)

// Client calls a remote intent and response service over HTTP.
type Client struct {
	httpClient *resty.Client
}

type analyzeRequest struct {
	Message string            `json:"message"`
	Context responder.Context `json:"context"`
}

type generateRequest struct {
	Analysis *responder.Analysis `json:"analysis"`
	Context  responder.Context   `json:"context"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("responder baseURL cannot be empty")
	}
	client := httputil.NewClient(baseURL, timeout)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	log.Info().Str("baseURL", baseURL).Msg("Responder client configured")
	return &Client{httpClient: client}, nil
}

var _ responder.Responder = (*Client)(nil)

func (c *Client) Analyze(ctx context.Context, message string, rc responder.Context) (*responder.Analysis, error) {
	var out responder.Analysis
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(analyzeRequest{Message: message, Context: rc}).
		SetResult(&out).
		Post("/analyze")
	if err != nil {
		return nil, fmt.Errorf("responder analyze request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("responder analyze error: status %s, body: %s", resp.Status(), resp.String())
	}
	return &out, nil
}

func (c *Client) GenerateResponse(ctx context.Context, a *responder.Analysis, rc responder.Context) (string, error) {
	var out generateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(generateRequest{Analysis: a, Context: rc}).
		SetResult(&out).
		Post("/respond")
	if err != nil {
		return "", fmt.Errorf("responder generate request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("responder generate error: status %s, body: %s", resp.Status(), resp.String())
	}
	return out.Text, nil
}
