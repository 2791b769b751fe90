// Command mock-provider emulates the Botmaker notifications API for local
// runs and integration tests. It accepts template sends, fabricates message
// IDs, and optionally fires status webhooks back at the webhook service.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"github.com/oklog/ulid/v2"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8080"`
	Token       string  `envconfig:"MOCK_ACCESS_TOKEN" default:"mock_token"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`

	// When set, the mock posts delivered/read/click events to this URL
	// after each accepted send, spaced by the event delay.
	WebhookURL     string  `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookDelayMs int     `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	ReadRate       float64 `envconfig:"MOCK_READ_RATE" default:"0.6"`
	ClickRate      float64 `envconfig:"MOCK_CLICK_RATE" default:"0.3"`
}

type sendRequest struct {
	ChannelID      string           `json:"channelId"`
	IntentIDOrName string           `json:"intentIdOrName"`
	Contacts       []map[string]any `json:"contacts"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

type statusEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status,omitempty"`
	Event     string `json:"event,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type server struct {
	cfg    config
	sends  uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/notifications", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/messages/{id}", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	slog.Info("mock provider listening", "port", cfg.Port, "webhook_url", cfg.WebhookURL)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("access-token") != s.cfg.Token {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.IntentIDOrName == "" || len(req.Contacts) == 0 {
		http.Error(w, "intent and contacts are required", http.StatusBadRequest)
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	n := atomic.AddUint64(&s.sends, 1)
	if !s.roll(s.cfg.SuccessRate) {
		slog.Info("mock send rejected", "send_n", n, "intent", req.IntentIDOrName)
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "provider unavailable"})
		return
	}

	msgID := fmt.Sprintf("bm-%s", ulid.Make().String())
	slog.Info("mock send accepted", "send_n", n, "message_id", msgID, "intent", req.IntentIDOrName)

	if s.cfg.WebhookURL != "" {
		go s.emitLifecycle(msgID)
	}
	writeJSON(w, http.StatusCreated, sendResponse{MessageID: msgID, Message: "queued"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusEvent{MessageID: mux.Vars(r)["id"], Status: "delivered"})
}

// emitLifecycle replays a plausible recipient journey: every accepted send
// is eventually delivered, a fraction gets read, and a fraction of those
// clicks the CTA link.
func (s *server) emitLifecycle(msgID string) {
	delay := time.Duration(s.cfg.WebhookDelayMs) * time.Millisecond

	time.Sleep(delay)
	s.post(statusEvent{MessageID: msgID, Status: "delivered"})

	if !s.roll(s.cfg.ReadRate) {
		return
	}
	time.Sleep(delay)
	s.post(statusEvent{MessageID: msgID, Event: "read"})

	if !s.roll(s.cfg.ClickRate) {
		return
	}
	time.Sleep(delay)
	s.post(statusEvent{MessageID: msgID, Event: "click"})
}

func (s *server) post(ev statusEvent) {
	body, _ := json.Marshal(ev)
	resp, err := s.client.Post(s.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("mock webhook post failed", "err", err, "message_id", ev.MessageID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("mock webhook rejected",
			"status", resp.StatusCode,
			"message_id", ev.MessageID,
			"event", ev.Event,
		)
	}
}

func (s *server) roll(p float64) bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
