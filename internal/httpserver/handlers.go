package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"wasend/internal/directory"
	"wasend/internal/domain"
	"wasend/internal/phone"
	"wasend/internal/service"
	"wasend/internal/store"
	"wasend/internal/util"
)

type API struct {
	Svc       *service.SendService
	Templates directory.TemplateCatalog
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/whatsapp/send-mass", a.handleSendMass).Methods(http.MethodPost)
	r.HandleFunc("/v1/whatsapp/send-status/{batchId}", a.handleSendStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/whatsapp/send-logs/{userId}", a.handleSendLogs).Methods(http.MethodGet)
	r.HandleFunc("/v1/whatsapp/limits/{userId}", a.handleLimits).Methods(http.MethodGet)
	r.HandleFunc("/v1/whatsapp/validate-numbers", a.handleValidateNumbers).Methods(http.MethodPost)
	r.HandleFunc("/v1/whatsapp/templates", a.handleListTemplates).Methods(http.MethodGet)
}

func (a *API) handleSendMass(w http.ResponseWriter, r *http.Request) {
	var req domain.SendMassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if caller := CallerID(r); caller != req.UserID {
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return
	}

	resp, created, err := a.Svc.SubmitMassSend(r.Context(), req, util.NowUTC())
	if err != nil {
		slog.Error("send mass failed",
			"err", err,
			"user_id", req.UserID,
			"template_id", req.TemplateID,
			"idempotency_key", req.IdempotencyKey,
			"leads", len(req.Leads),
		)
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (a *API) handleSendStatus(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]
	if batchID == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	resp, err := a.Svc.GetBatchStatus(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSendLogs(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if caller := CallerID(r); caller != userID {
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, total, err := a.Svc.ListSendLogs(r.Context(), userID, limit, offset)
	if err != nil {
		slog.Error("list send logs failed", "err", err, "user_id", userID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if items == nil {
		items = []store.SendLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (a *API) handleLimits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if caller := CallerID(r); caller != userID {
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return
	}
	resp, err := a.Svc.GetLimits(r.Context(), userID, util.NowUTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleValidateNumbers(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateNumbersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	results := make([]domain.ValidateNumberResult, 0, len(req.Numbers))
	for _, n := range req.Numbers {
		valid, reason := phone.ValidateCO(n)
		results = append(results, domain.ValidateNumberResult{
			Number: n, IsValid: valid, Reason: reason,
		})
	}
	writeJSON(w, http.StatusOK, domain.ValidateNumbersResponse{Results: results})
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f directory.TemplateFilter
	if v := q.Get("isApproved"); v != "" {
		approved, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid isApproved", http.StatusBadRequest)
			return
		}
		f.IsApproved = &approved
	}
	f.ChannelID = q.Get("channelId")
	f.Category = q.Get("category")
	f.Language = q.Get("language")

	templates, err := a.Templates.ListTemplates(r.Context(), f)
	if err != nil {
		slog.Error("list templates failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if templates == nil {
		templates = []directory.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var quota *domain.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "daily_limit_exceeded",
			"message":   quota.Error(),
			"limit":     quota.Limit,
			"sentToday": quota.SentToday,
			"remaining": quota.Remaining,
		})
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrTemplateNotApproved):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrRequestInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
