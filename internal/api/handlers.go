package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/punchamoorthee/equityledger/internal/service"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req service.NewUser
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.svc.Users.CreateUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/users/%d/dashboard", user.ID))
	respondWithJSON(w, http.StatusCreated, user)
}

type depositRequest struct {
	Amount money.Amount `json:"amount_aed"`
}

func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	balance, err := h.svc.Users.DepositFiat(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"user_id": id, "fiat_balance_aed": balance})
}

func (h *Handler) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dash, err := h.svc.Users.Dashboard(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, dash)
}

func (h *Handler) UnfreezeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	propertyID, err := pathID(r, "propertyId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Users.Unfreeze(r.Context(), userID, propertyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) CreatePropertyHandler(w http.ResponseWriter, r *http.Request) {
	var req service.NewProperty
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	prop, err := h.svc.Offerings.CreateProperty(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/properties/%d", prop.ID))
	respondWithJSON(w, http.StatusCreated, prop)
}

func (h *Handler) ListPropertiesHandler(w http.ResponseWriter, r *http.Request) {
	props, err := h.svc.Offerings.ListProperties(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if props == nil {
		props = []domain.Property{}
	}
	respondWithJSON(w, http.StatusOK, props)
}

func (h *Handler) GetPropertyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	prop, err := h.svc.Offerings.GetProperty(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prop)
}

func (h *Handler) MintHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	prop, err := h.svc.Offerings.MintSupply(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prop)
}

func (h *Handler) DistributeRentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req service.RentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.PropertyID = id

	report, err := h.svc.Rent.DistributeRent(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, report)
}

func (h *Handler) CreateInvestmentHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.writeError(w, r, domain.Invalid("missing Idempotency-Key header"))
		return
	}

	// 2. Read and Hash Body
	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, domain.Invalid("request body could not be read"))
		return
	}
	hash := sha256.Sum256(bodyBytes)

	var req service.InvestRequest
	if err := decodeStrict(bytes.NewReader(bodyBytes), &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey
	req.RequestHash = hex.EncodeToString(hash[:])

	// 3. Call Service
	resp, existing, err := h.svc.Investments.Invest(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Handle Idempotent Replay
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.ResponseStatus)
		_, _ = w.Write(existing.ResponseBody)
		return
	}

	respondWithJSON(w, http.StatusCreated, resp)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id < 1 {
		return 0, domain.Invalid("%s must be a positive integer", name)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeStrict(http.MaxBytesReader(w, r.Body, maxBodyBytes), v)
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("malformed JSON body: %v", err)
	}
	if dec.More() {
		return domain.Invalid("malformed JSON body: unexpected data after object")
	}
	return nil
}

// writeError maps a classified error to its status. Business messages are
// returned verbatim; infrastructure failures are logged and answered generically.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.logError(r, "unclassified error", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
		return
	}

	switch de.Kind {
	case domain.KindValidation:
		if errors.Is(de, domain.ErrIdempotencyMismatch) {
			respondWithError(w, http.StatusUnprocessableEntity, de.Code, de.Message)
			return
		}
		respondWithError(w, http.StatusBadRequest, de.Code, de.Message)
	case domain.KindNotFound:
		respondWithError(w, http.StatusNotFound, de.Code, de.Message)
	case domain.KindBusinessRule:
		respondWithError(w, http.StatusUnprocessableEntity, de.Code, de.Message)
	case domain.KindConflict:
		respondWithError(w, http.StatusConflict, de.Code, de.Message)
	case domain.KindLedger:
		h.logError(r, "ledger failure", err)
		respondWithError(w, http.StatusBadGateway, de.Code, "The ledger could not complete the request")
	default:
		h.logError(r, "storage failure", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
	}
}

func (h *Handler) logError(r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		zap.String("request_id", requestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, map[string]string{"error": message, "code": code})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
