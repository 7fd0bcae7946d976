package evolution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/pkg/httputil"
)

// Client talks to an Evolution-API style provider. It implements gateway.Gateway.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new provider client authenticated with apiKey.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway apiKey cannot be empty")
	}

	client := httputil.NewClient(strings.TrimRight(baseURL, "/"), timeout).
		SetHeader("apikey", apiKey)

	log.Info().Str("baseURL", baseURL).Dur("timeout", timeout).Msg("Gateway client configured")

	return &Client{httpClient: client, baseURL: baseURL}, nil
}

var _ gateway.Gateway = (*Client)(nil)

func (c *Client) CreateInstance(ctx context.Context, name string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(createInstanceRequest{InstanceName: name, QRCode: true, Integration: "WHATSAPP-BAILEYS"}).
		Post("/instance/create")
	if err := checkResponse("createInstance", resp, err); err != nil {
		log.Error().Err(err).Str("instance", name).Msg("Gateway API: createInstance failed")
		return err
	}
	log.Info().Str("instance", name).Msg("Gateway instance created")
	return nil
}

func (c *Client) Connect(ctx context.Context, name string) (*gateway.Pairing, error) {
	var out connectResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/instance/connect/" + name)
	if err := checkResponse("connect", resp, err); err != nil {
		log.Error().Err(err).Str("instance", name).Msg("Gateway API: connect failed")
		return nil, err
	}
	return &gateway.Pairing{Code: out.Code, PairingCode: out.PairingCode, Image: out.Base64}, nil
}

func (c *Client) ConnectionState(ctx context.Context, name string) (models.ConnectionState, error) {
	var out connectionStateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/instance/connectionState/" + name)
	if err := checkResponse("connectionState", resp, err); err != nil {
		return models.StateError, err
	}
	return MapState(out.Instance.State), nil
}

func (c *Client) SendText(ctx context.Context, name, to, text string) (*gateway.SendResult, error) {
	var out sendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(sendTextRequest{Number: to, Text: text}).
		SetResult(&out).
		Post("/message/sendText/" + name)
	if err := checkResponse("sendText", resp, err); err != nil {
		log.Error().Err(err).Str("instance", name).Str("to", to).Msg("Gateway API: sendText failed")
		return nil, err
	}
	return &gateway.SendResult{ExternalID: out.Key.ID}, nil
}

func (c *Client) SendMedia(ctx context.Context, name, to string, media gateway.MediaMessage) (*gateway.SendResult, error) {
	if media.URL == "" {
		return nil, &gateway.Error{Op: "sendMedia", Permanent: true, Err: errors.New("media url is empty")}
	}
	var out sendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(sendMediaRequest{
			Number:    to,
			MediaType: mediaType(media.Type),
			MimeType:  media.MimeType,
			Caption:   media.Caption,
			Media:     media.URL,
			FileName:  media.FileName,
		}).
		SetResult(&out).
		Post("/message/sendMedia/" + name)
	if err := checkResponse("sendMedia", resp, err); err != nil {
		log.Error().Err(err).Str("instance", name).Str("to", to).Msg("Gateway API: sendMedia failed")
		return nil, err
	}
	return &gateway.SendResult{ExternalID: out.Key.ID}, nil
}

func (c *Client) Logout(ctx context.Context, name string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Delete("/instance/logout/" + name)
	if err := checkResponse("logout", resp, err); err != nil {
		log.Error().Err(err).Str("instance", name).Msg("Gateway API: logout failed")
		return err
	}
	return nil
}

// checkResponse turns a transport error or a non-2xx answer into a
// classified gateway error. 404 maps to ErrInstanceNotFound.
func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &gateway.Error{Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}
	cause := fmt.Errorf("status %s, body: %s", resp.Status(), resp.String())
	if resp.StatusCode() == http.StatusNotFound {
		cause = fmt.Errorf("%w: %s", gateway.ErrInstanceNotFound, resp.String())
	}
	return gateway.Classify(op, resp.StatusCode(), cause)
}

// MapState maps provider state strings onto the instance connectivity states.
func MapState(state string) models.ConnectionState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open", "connected":
		return models.StateOpen
	case "connecting", "qr", "pairing":
		return models.StateConnecting
	case "close", "closed", "disconnected", "logout", "loggedout":
		return models.StateClosed
	case "created", "init":
		return models.StateCreated
	default:
		return models.StateError
	}
}

func mediaType(t models.MessageType) string {
	switch t {
	case models.TypeImage, models.TypeVideo, models.TypeAudio:
		return string(t)
	case models.TypeSticker:
		return "image"
	default:
		return "document"
	}
}
