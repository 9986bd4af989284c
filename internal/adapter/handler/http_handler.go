package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/core/service"
)

// maxLedgerPage bounds one GET /api/ledger response.
const maxLedgerPage = 500

type HTTPHandler struct {
	svc *service.ReservationService
	log logrus.FieldLogger
}

type CreateAccountRequest struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

type CreateItemRequest struct {
	ID         string `json:"id"`
	StockCount int64  `json:"stock_count"`
	UnitPrice  int64  `json:"unit_price"`
}

type TransferRequest struct {
	OperationID   string `json:"operation_id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
}

// FundRequest is the body of deposits (account) and restocks (item).
type FundRequest struct {
	OperationID string `json:"operation_id"`
	AccountID   string `json:"account_id,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
	Amount      int64  `json:"amount"`
}

type CreateOrderRequest struct {
	OperationID string            `json:"operation_id"`
	AccountID   string            `json:"account_id"`
	LineItems   []domain.LineItem `json:"line_items"`
}

type ErrorResponse struct {
	Success   bool        `json:"success"`
	Code      domain.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// OrderResponse carries the order even when it failed.
type OrderResponse struct {
	Order domain.Order   `json:"order"`
	Error *ErrorResponse `json:"error,omitempty"`
}

type LedgerPage struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Last    uint64               `json:"last_sequence"`
}

func NewHTTPHandler(svc *service.ReservationService, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

// Router wires every route onto a gorilla/mux router.
func (h *HTTPHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	api.HandleFunc("/items", h.CreateItem).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/transfers", h.Transfer).Methods(http.MethodPost)
	api.HandleFunc("/deposits", h.Deposit).Methods(http.MethodPost)
	api.HandleFunc("/restocks", h.Restock).Methods(http.MethodPost)
	api.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/{bucket}", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/ledger", h.LedgerRange).Methods(http.MethodGet)
	api.HandleFunc("/ledger/verify", h.VerifyLedger).Methods(http.MethodGet)

	return h.logMiddleware(r)
}

func (h *HTTPHandler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
		}).Debug("http request")
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.svc.CreateAccount(r.Context(), req.ID, req.Balance)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *HTTPHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *HTTPHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.svc.CreateItem(r.Context(), req.ID, req.StockCount, req.UnitPrice)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *HTTPHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.svc.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, req.OperationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *HTTPHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.svc.Deposit(r.Context(), req.AccountID, req.Amount, req.OperationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.svc.Restock(r.Context(), req.ItemID, req.Amount, req.OperationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.svc.CreateOrder(r.Context(), req.AccountID, req.LineItems, req.OperationID)
	if err != nil {
		if order.Status == domain.OrderStatusFailed {
			resp := errorResponse(err)
			writeJSON(w, domain.CodeOf(err).HTTPStatus(), OrderResponse{Order: order, Error: &resp})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{Order: order})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetStats(mux.Vars(r)["bucket"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// LedgerRange serves GET /api/ledger?from=&to=. At most maxLedgerPage
// entries are returned; callers page with from.
func (h *HTTPHandler) LedgerRange(w http.ResponseWriter, r *http.Request) {
	last, err := h.svc.LastSequence(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	from, err := sequenceParam(r, "from", 1)
	if err != nil {
		h.writeError(w, err)
		return
	}
	to, err := sequenceParam(r, "to", last)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if from == 0 {
		from = 1
	}
	if to >= from && to-from >= maxLedgerPage {
		to = from + maxLedgerPage - 1
	}

	page := LedgerPage{Entries: []domain.LedgerEntry{}, Last: last}
	for entry, err := range h.svc.LedgerRange(r.Context(), from, to) {
		if err != nil {
			h.writeError(w, err)
			return
		}
		page.Entries = append(page.Entries, entry)
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *HTTPHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyLedger(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sequenceParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.Invalid(name + " must be a sequence number")
	}
	return v, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Code:    domain.CodeInvalidOperation,
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func errorResponse(err error) ErrorResponse {
	code := domain.CodeOf(err)
	message := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		message = de.Error()
	}
	return ErrorResponse{
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse(err)
	status := resp.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("code", resp.Code).Error("request failed")
	}
	if resp.Code == domain.CodeUnknown {
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
