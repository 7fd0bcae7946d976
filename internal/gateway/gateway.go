// Package gateway declares the messaging provider operations the core
// components depend on.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"zapdesk/internal/models"
)

var ErrInstanceNotFound = errors.New("gateway: instance not found")

// Gateway is a provider session manager plus sender.
type Gateway interface {
	CreateInstance(ctx context.Context, name string) error
	// Connect starts (or resumes) pairing and returns the pairing payload.
	Connect(ctx context.Context, name string) (*Pairing, error)
	ConnectionState(ctx context.Context, name string) (models.ConnectionState, error)
	SendText(ctx context.Context, name, to, text string) (*SendResult, error)
	SendMedia(ctx context.Context, name, to string, media MediaMessage) (*SendResult, error)
	Logout(ctx context.Context, name string) error
}

// Pairing holds what a user needs to link their phone. Code is the raw
// QR payload; PairingCode is the numeric alternative some providers return.
type Pairing struct {
	Code        string
	PairingCode string
	Image       string
}

type MediaMessage struct {
	URL      string
	Caption  string
	Type     models.MessageType
	FileName string
	MimeType string
}

type SendResult struct {
	ExternalID string
}

// Error is a classified provider failure. Permanent errors are never retried.
type Error struct {
	Op         string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a gateway error that must not be retried.
func IsPermanent(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Permanent
	}
	return false
}

// Classify wraps err from op according to the HTTP status the provider
// answered with. 4xx other than 408 and 429 are permanent.
func Classify(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	permanent := status >= 400 && status < 500 && status != 408 && status != 429
	return &Error{Op: op, StatusCode: status, Permanent: permanent, Err: err}
}
