package main

import (
	"bytes"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
)

func (s *server) routes() {
	base := alice.New(s.recovery, s.accessLog)
	webhook := base.Append(s.webhookAuth)

	r := s.router
	r.Handle("/healthz", base.Then(s.Liveness())).Methods(http.MethodGet)
	r.Handle("/ws", base.ThenFunc(s.hub.ServeWS)).Methods(http.MethodGet)

	r.Handle("/webhooks/{provider}", webhook.Then(s.Webhook())).Methods(http.MethodPost)

	r.Handle("/instances", base.Then(s.ConnectInstance())).Methods(http.MethodPost)
	r.Handle("/instances/{id}/logout", base.Then(s.LogoutInstance())).Methods(http.MethodPost)

	r.Handle("/conversations/{id}/ai/enable", base.Then(s.EnableAI())).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/ai/disable", base.Then(s.DisableAI())).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/handoff/human", base.Then(s.TransferToHuman())).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/handoff/ai", base.Then(s.TransferToAI())).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/handoff/history", base.Then(s.HandoffHistory())).Methods(http.MethodGet)
	r.Handle("/organizations/{id}/handoff/metrics", base.Then(s.HandoffMetrics())).Methods(http.MethodGet)

	r.Handle("/health/instances", base.Then(s.HealthInstances())).Methods(http.MethodGet)
	r.Handle("/health/instances/{id}/check", base.Then(s.HealthCheck())).Methods(http.MethodPost)

	r.Handle("/queue/stats", base.Then(s.QueueStats())).Methods(http.MethodGet)
	r.Handle("/queue/messages/{id}", base.Then(s.QueuedMessage())).Methods(http.MethodGet)
	r.Handle("/queue/messages/{id}/retry", base.Then(s.RetryQueuedMessage())).Methods(http.MethodPost)

	r.NotFoundHandler = base.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusNotFound, "not found")
	})
}

func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic in handler")
				s.Respond(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// webhookAuth checks X-Webhook-Signature when a secret is configured and
// hands the buffered body on.
func (s *server) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not read body")
			return
		}
		if s.webhookSecret != "" {
			if err := verifySignature(s.webhookSecret, body, r.Header.Get("X-Webhook-Signature")); err != nil {
				log.Warn().Str("path", r.URL.Path).Msg("Rejected webhook with invalid signature")
				s.Respond(w, r, http.StatusUnauthorized, err)
				return
			}
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func vars(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
