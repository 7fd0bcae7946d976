package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 10 << 20

func (s *server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// Respond writes the standard envelope. An error or a status of 400 and
// above becomes {"success": false, "error": ...}.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	resp := map[string]interface{}{"code": status, "success": status < http.StatusBadRequest}
	switch v := data.(type) {
	case error:
		resp["error"] = v.Error()
	default:
		if status >= http.StatusBadRequest {
			resp["error"] = v
		} else {
			resp["data"] = v
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error().Str("path", r.URL.Path).Interface("error", resp["error"]).Msg("Request failed")
	}
	s.respondWithJSON(w, status, resp)
}

// decodeJSON reads an optional JSON body into dst. An empty body is fine.
func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

var errBadSignature = errors.New("invalid webhook signature")

// verifySignature checks header "sha256=<hex HMAC-SHA256 of body>".
func verifySignature(secret string, body []byte, header string) error {
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if sig == "" {
		return errBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errBadSignature
	}
	return nil
}

// sign is the counterpart of verifySignature.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
