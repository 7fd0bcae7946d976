package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/adapters"
	"zapdesk/internal/delivery"
	"zapdesk/internal/handoff"
	"zapdesk/internal/health"
	"zapdesk/internal/instances"
	"zapdesk/internal/models"
	"zapdesk/internal/normalizer"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

type server struct {
	store         *store.Store
	instances     *instances.Manager
	worker        *delivery.Worker
	handoff       *handoff.Machine
	health        *health.Monitor
	normalizer    *normalizer.Normalizer
	hub           *notifier.Hub
	decoders      map[string]adapters.Decoder
	webhookSecret string
	router        *mux.Router
}

func newServer(s *server, decoders ...adapters.Decoder) *server {
	s.router = mux.NewRouter()
	s.decoders = make(map[string]adapters.Decoder, len(decoders))
	for _, d := range decoders {
		s.decoders[d.Provider()] = d
	}
	s.routes()
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Liveness reports whether the database answers.
func (s *server) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			s.Respond(w, r, http.StatusServiceUnavailable, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Webhook decodes a provider delivery and runs every event through the
// normalizer. Once the request is authenticated it is always acknowledged
// with 200 so the provider does not redeliver.
func (s *server) Webhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := vars(r, "provider")
		dec, ok := s.decoders[provider]
		if !ok {
			s.Respond(w, r, http.StatusNotFound, "unknown provider "+provider)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not read body")
			return
		}

		evs, err := dec.Decode(body, r.Header.Get("Content-Type"))
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Msg("Could not decode webhook")
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"processed": 0, "error": err.Error()})
			return
		}

		ctx := context.WithoutCancel(r.Context())
		results := s.normalizer.HandleAll(ctx, evs)
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"processed": len(results),
			"results":   results,
		})
	}
}

type connectRequest struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Name           string `json:"name"`
}

// ConnectInstance creates the instance if needed and starts pairing.
func (s *server) ConnectInstance() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := decodeJSON(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}
		if req.OrganizationID == "" || req.Name == "" {
			s.Respond(w, r, http.StatusBadRequest, "organizationId and name are required")
			return
		}
		res, err := s.instances.Connect(r.Context(), req.OrganizationID, req.UserID, req.Name)
		if errors.Is(err, store.ErrDuplicate) {
			s.Respond(w, r, http.StatusConflict, "instance name already in use")
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusBadGateway, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		s.Respond(w, r, status, res)
	}
}

func (s *server) LogoutInstance() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.instances.Logout(r.Context(), vars(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, r, http.StatusNotFound, "instance not found")
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusBadGateway, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"state": string(models.StateClosed)})
	}
}

type transitionRequest struct {
	Reason         string             `json:"reason"`
	Trigger        models.TriggerKind `json:"trigger"`
	Actor          string             `json:"actor"`
	NotifyCustomer *bool              `json:"notifyCustomer"`
}

type transitionFunc func(ctx context.Context, conversationID string, req transitionRequest) handoff.Result

func (s *server) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := decodeJSON(r, &req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}
		res := fn(r.Context(), vars(r, "id"), req)
		if !res.Success {
			s.respondWithJSON(w, transitionStatus(res.Err), res)
			return
		}
		s.respondWithJSON(w, http.StatusOK, res)
	}
}

func transitionStatus(err error) int {
	switch {
	case errors.Is(err, handoff.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, handoff.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) EnableAI() http.HandlerFunc {
	return s.transition(func(ctx context.Context, id string, req transitionRequest) handoff.Result {
		return s.handoff.EnableAI(ctx, id, req.Reason, req.Trigger, req.Actor)
	})
}

func (s *server) DisableAI() http.HandlerFunc {
	return s.transition(func(ctx context.Context, id string, req transitionRequest) handoff.Result {
		return s.handoff.DisableAI(ctx, id, req.Reason, req.Trigger, req.Actor)
	})
}

// TransferToHuman notifies the customer unless notifyCustomer is false.
func (s *server) TransferToHuman() http.HandlerFunc {
	return s.transition(func(ctx context.Context, id string, req transitionRequest) handoff.Result {
		notify := req.NotifyCustomer == nil || *req.NotifyCustomer
		return s.handoff.TransferToHuman(ctx, id, req.Reason, req.Trigger, req.Actor, notify)
	})
}

func (s *server) TransferToAI() http.HandlerFunc {
	return s.transition(func(ctx context.Context, id string, req transitionRequest) handoff.Result {
		return s.handoff.TransferToAI(ctx, id, req.Reason, req.Trigger, req.Actor)
	})
}

func (s *server) HandoffHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.handoff.History(r.Context(), vars(r, "id"))
		if errors.Is(err, handoff.ErrConversationNotFound) {
			s.Respond(w, r, http.StatusNotFound, err)
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, records)
	}
}

// HandoffMetrics accepts ?days=N, defaulting to 30.
func (s *server) HandoffMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 30
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.Respond(w, r, http.StatusBadRequest, "days must be a positive integer")
				return
			}
			days = n
		}
		m, err := s.handoff.Metrics(r.Context(), vars(r, "id"), days)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, m)
	}
}

func (s *server) HealthInstances() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, s.health.Snapshot())
	}
}

// HealthCheck runs a check for one instance right away.
func (s *server) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.health.ForceCheck(r.Context(), vars(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, r, http.StatusNotFound, "instance not found")
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, rec)
	}
}
