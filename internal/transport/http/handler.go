// Package http exposes the service's outer surface: the vendor webhook, the
// health probe and the Prometheus endpoint. The webhook is the only write
// path; everything it accepts is authenticated by the signed state token
// minted at scan init.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attestor/internal/models"
	"attestor/internal/payment"
	"attestor/internal/verification"
	"attestor/internal/voucher"
	dErrors "attestor/pkg/domain-errors"
)

// HealthChecker reports the liveness of a dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// PrefStore records user choices that need no orchestration: profile
// visibility and reward donation.
type PrefStore interface {
	SetVisibility(ctx context.Context, device models.DeviceID, user models.Address, v models.Visibility) error
	SetDonated(ctx context.Context, txID int64, donated, onlyIfUnset bool) error
}

// Handler serves the HTTP surface. The /cb webhook is reachable by vendors;
// the bridge routes (/addresses, /vouchers, /rewards) are consumed by the
// chat bridge that fronts user interaction and must not be exposed publicly.
type Handler struct {
	verif    *verification.Service
	payments *payment.Service
	vouchers *voucher.Service
	prefs    PrefStore
	health   []HealthChecker
	log      *slog.Logger
}

func NewHandler(verif *verification.Service, payments *payment.Service, vouchers *voucher.Service, prefs PrefStore, log *slog.Logger, health ...HealthChecker) *Handler {
	return &Handler{
		verif: verif, payments: payments, vouchers: vouchers,
		prefs: prefs, health: health, log: log,
	}
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/cb", h.handleCallback)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/addresses", h.handleReceivingAddress)
	r.Post("/addresses/visibility", h.handleVisibility)
	r.Route("/vouchers", func(r chi.Router) {
		r.Post("/", h.handleIssueVoucher)
		r.Get("/", h.handleListVouchers)
		r.Post("/{code}/apply", h.handleApplyVoucher)
		r.Post("/{code}/limit", h.handleVoucherLimit)
		r.Post("/{code}/withdraw", h.handleVoucherWithdraw)
	})
	r.Post("/rewards/{txID}/donation", h.handleDonation)
	return r
}

// callbackBody is the webhook payload contract. Vendor-specific shapes are
// translated to this by the provider adapters before they configure the
// webhook, so the transport stays vendor-neutral.
type callbackBody struct {
	ScanReference  string `json:"scan_reference"`
	Verified       bool   `json:"verified"`
	Reason         string `json:"reason,omitempty"`
	LivenessPassed bool   `json:"liveness_passed"`
	LivenessReason string `json:"liveness_reason,omitempty"`

	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	DOB       string `json:"dob,omitempty"`
	Country   string `json:"country,omitempty"`
	USState   string `json:"us_state,omitempty"`
	IDNumber  string `json:"id_number,omitempty"`
	IDType    string `json:"id_type,omitempty"`
	IDSubtype string `json:"id_subtype,omitempty"`

	ClientIP string `json:"client_ip,omitempty"`
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		h.writeError(w, http.StatusUnauthorized, "missing state token")
		return
	}
	var body callbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed callback body")
		return
	}
	res := verification.Result{
		ScanReference:  body.ScanReference,
		Verified:       body.Verified,
		Reason:         body.Reason,
		LivenessPassed: body.LivenessPassed,
		LivenessReason: body.LivenessReason,
		FirstName:      body.FirstName,
		LastName:       body.LastName,
		DOB:            body.DOB,
		Country:        body.Country,
		USState:        body.USState,
		IDNumber:       body.IDNumber,
		IDType:         body.IDType,
		IDSubtype:      body.IDSubtype,
		ClientIP:       body.ClientIP,
	}
	if err := h.verif.HandleCallback(r.Context(), state, res); err != nil {
		h.log.Warn("callback rejected", "scan_reference", body.ScanReference, "error", err)
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, dep := range h.health {
		if dep == nil {
			continue
		}
		if err := dep.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReceivingAddress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device      models.DeviceID `json:"device"`
		UserAddress models.Address  `json:"user_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Device == "" || body.UserAddress == "" {
		h.writeError(w, http.StatusBadRequest, "device and user_address are required")
		return
	}
	ra, err := h.payments.ReceivingAddressFor(r.Context(), body.Device, body.UserAddress)
	if err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment_address": ra.PaymentAddress,
		"price":           ra.QuotedPrice,
	})
}

func (h *Handler) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device      models.DeviceID `json:"device"`
		UserAddress models.Address  `json:"user_address"`
		Public      bool            `json:"public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Device == "" || body.UserAddress == "" {
		h.writeError(w, http.StatusBadRequest, "device and user_address are required")
		return
	}
	v := models.VisibilityPrivate
	if body.Public {
		v = models.VisibilityPublic
	}
	if err := h.prefs.SetVisibility(r.Context(), body.Device, body.UserAddress, v); err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *Handler) handleIssueVoucher(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Owner  models.Address  `json:"owner_address"`
		Device models.DeviceID `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Owner == "" || body.Device == "" {
		h.writeError(w, http.StatusBadRequest, "owner_address and device are required")
		return
	}
	v, err := h.vouchers.Issue(r.Context(), body.Owner, body.Device)
	if err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":            v.Code,
		"funding_address": v.FundingAddress,
		"usage_limit":     v.UsageLimit,
	})
}

func (h *Handler) handleListVouchers(w http.ResponseWriter, r *http.Request) {
	owner := models.Address(r.URL.Query().Get("owner"))
	if owner == "" {
		h.writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	vouchers, err := h.vouchers.List(r.Context(), owner)
	if err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	type entry struct {
		Code             string `json:"code"`
		Balance          int64  `json:"balance"`
		DepositedBalance int64  `json:"deposited_balance"`
		UsageLimit       int    `json:"usage_limit"`
	}
	out := make([]entry, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, entry{v.Code, v.Balance, v.DepositedBalance, v.UsageLimit})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleApplyVoucher(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device      models.DeviceID `json:"device"`
		UserAddress models.Address  `json:"user_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Device == "" || body.UserAddress == "" {
		h.writeError(w, http.StatusBadRequest, "device and user_address are required")
		return
	}
	ra, err := h.payments.ReceivingAddressFor(r.Context(), body.Device, body.UserAddress)
	if err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	txID, err := h.vouchers.Apply(r.Context(), chi.URLParam(r, "code"), body.Device, ra.PaymentAddress)
	if err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	// Voucher-funded transactions are confirmed immediately, so the scan can
	// start right away. The scan-retry sweep covers a failure here.
	if err := h.verif.InitiateScan(r.Context(), txID); err != nil {
		h.log.Warn("scan init after voucher apply failed", "transaction_id", txID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": txID})
}

func (h *Handler) handleVoucherLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requestor models.Address `json:"owner_address"`
		Limit     int            `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Requestor == "" {
		h.writeError(w, http.StatusBadRequest, "owner_address and limit are required")
		return
	}
	if err := h.vouchers.SetLimit(r.Context(), chi.URLParam(r, "code"), body.Requestor, body.Limit); err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *Handler) handleVoucherWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requestor models.Address  `json:"owner_address"`
		Device    models.DeviceID `json:"device"`
		Amount    int64           `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Requestor == "" {
		h.writeError(w, http.StatusBadRequest, "owner_address, device and amount are required")
		return
	}
	unit, err := h.vouchers.Withdraw(r.Context(), chi.URLParam(r, "code"), body.Requestor, body.Device, body.Amount)
	if err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit": unit})
}

func (h *Handler) handleDonation(w http.ResponseWriter, r *http.Request) {
	txID, err := strconv.ParseInt(chi.URLParam(r, "txID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	var body struct {
		Donated bool `json:"donated"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := h.prefs.SetDonated(r.Context(), txID, body.Donated, false); err != nil {
		h.writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"result": "error", "error": msg})
}

func statusOf(err error) int {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
