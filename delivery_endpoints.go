package main

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/store"
)

// QueueStats reports how many queued messages sit in each status.
func (s *server) QueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.store.CountQueueByStatus(r.Context())
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"byStatus":   counts,
			"total":      total,
			"maxRetries": s.worker.Policy().MaxRetries,
		})
	}
}

// QueuedMessage returns one queued message by id.
func (s *server) QueuedMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := s.store.GetQueuedMessage(r.Context(), vars(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, r, http.StatusNotFound, "queued message not found")
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, item)
	}
}

// RetryQueuedMessage puts a failed message back to pending with a fresh budget.
func (s *server) RetryQueuedMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := vars(r, "id")
		err := s.store.Requeue(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.Respond(w, r, http.StatusNotFound, "queued message not found")
			return
		case errors.Is(err, store.ErrConflict):
			s.Respond(w, r, http.StatusConflict, "only failed messages can be retried")
			return
		case err != nil:
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		log.Info().Str("queueID", id).Msg("Queued message requeued by operator")
		item, err := s.store.GetQueuedMessage(r.Context(), id)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, item)
	}
}
