package httpserver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wasend/internal/correlator"
	"wasend/internal/domain"
)

type Webhook struct {
	Correlator *correlator.Correlator
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/message-events", wh.handleMessageEvents).Methods(http.MethodPost)
}

func (wh *Webhook) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	ev, err := domain.ParseProviderEvent(body)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingMessageID):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrUnknownEvent):
			http.Error(w, ErrUnknownEvent, http.StatusBadRequest)
		default:
			http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		}
		return
	}

	if err := wh.Correlator.HandleEvent(r.Context(), ev); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("webhook event failed",
			"err", err,
			"provider_msg_id", ev.ProviderMessageID,
			"event", ev.Kind,
		)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "event": string(ev.Kind)})
}
