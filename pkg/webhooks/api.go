package webhooks

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/freightline/pkg/billing"
	"github.com/platinummonkey/freightline/pkg/billing/stripe"
	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/httputil"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/sirupsen/logrus"
)

// BillingConfig wires the application-facing billing routes
type BillingConfig struct {
	Checkout  *billing.CheckoutService
	Usage     *usage.Service
	Ledger    *credits.Ledger
	Companies companies.Store
	Catalog   *plans.Catalog
	Logger    *logrus.Logger
}

// BillingHandlers provides HTTP handlers for checkout, the billing portal,
// resync and usage reads
type BillingHandlers struct {
	checkout  *billing.CheckoutService
	usage     *usage.Service
	ledger    *credits.Ledger
	companies companies.Store
	catalog   *plans.Catalog
	logger    *logrus.Logger
}

// NewBillingHandlers creates new billing handlers
func NewBillingHandlers(cfg BillingConfig) *BillingHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &BillingHandlers{
		checkout:  cfg.Checkout,
		usage:     cfg.Usage,
		ledger:    cfg.Ledger,
		companies: cfg.Companies,
		catalog:   cfg.Catalog,
		logger:    logger,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/plans", h.listPlans).Methods(http.MethodGet)
	router.HandleFunc("/billing/checkout", h.createCheckout).Methods(http.MethodPost)
	router.HandleFunc("/billing/portal", h.createPortal).Methods(http.MethodPost)
	router.HandleFunc("/billing/companies/{id}/sync", h.syncSubscription).Methods(http.MethodPost)
	router.HandleFunc("/billing/companies/{id}/usage", h.getUsage).Methods(http.MethodGet)
	router.HandleFunc("/billing/companies/{id}/wallets/{wallet}/transactions", h.listTransactions).Methods(http.MethodGet)
}

type checkoutRequest struct {
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	PlanID    string `json:"plan_id" validate:"required,max=64"`
}

type portalRequest struct {
	CompanyID int64 `json:"company_id" validate:"required,gt=0"`
}

type portalResponse struct {
	URL string `json:"url"`
}

// UsageResponse is the body of GET /billing/companies/{id}/usage
type UsageResponse struct {
	CompanyID    int64              `json:"company_id"`
	Plan         plans.Tier         `json:"plan"`
	PlanActive   bool               `json:"plan_active"`
	Ranking      string             `json:"ranking"`
	Entitlements plans.Entitlements `json:"entitlements"`
	Period       *usage.Period      `json:"period"`
}

// TransactionsResponse is the body of the wallet history route
type TransactionsResponse struct {
	Wallet       plans.Wallet           `json:"wallet"`
	Balance      int64                  `json:"balance"`
	Transactions []*credits.Transaction `json:"transactions"`
}

// listPlans handles GET /billing/plans
func (h *BillingHandlers) listPlans(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, h.catalog.List())
}

// createCheckout handles POST /billing/checkout
func (h *BillingHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.checkout.CreateCheckoutSession(r.Context(), req.CompanyID, req.PlanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, session)
}

// createPortal handles POST /billing/portal
func (h *BillingHandlers) createPortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	url, err := h.checkout.CreateBillingPortalSession(r.Context(), req.CompanyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, portalResponse{URL: url})
}

// syncSubscription handles POST /billing/companies/{id}/sync
func (h *BillingHandlers) syncSubscription(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.checkout.SyncSubscription(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

// getUsage handles GET /billing/companies/{id}/usage
func (h *BillingHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	period, err := h.usage.EnsureCurrentPeriod(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	company, err := h.companies.Get(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	_ = httputil.WriteSuccess(w, UsageResponse{
		CompanyID:    company.ID,
		Plan:         company.Plan,
		PlanActive:   company.PlanActive,
		Ranking:      company.Ranking.Value,
		Entitlements: company.Entitlements(),
		Period:       period,
	})
}

// listTransactions handles GET /billing/companies/{id}/wallets/{wallet}/transactions
func (h *BillingHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	walletName, err := httputil.ParsePathString(r, "wallet")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	wallet := plans.Wallet(walletName)
	if _, err := h.companies.Get(r.Context(), companyID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	balance, err := h.ledger.Balance(r.Context(), companyID, wallet)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), companyID, wallet, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*credits.Transaction{}
	}

	_ = httputil.WriteSuccess(w, TransactionsResponse{Wallet: wallet, Balance: balance, Transactions: txs})
}

// writeServiceError maps domain errors onto status codes
func (h *BillingHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *stripe.APIError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteNotFoundError(w, "company not found")
	case errors.Is(err, billing.ErrNoSubscription):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, subscriptions.ErrUnknownPlan),
		errors.Is(err, credits.ErrUnknownWallet):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, billing.ErrGatewayUnavailable):
		httputil.WriteServiceUnavailable(w, err.Error())
	case errors.As(err, &apiErr):
		h.logger.WithFields(logrus.Fields{
			"path":        r.URL.Path,
			"status_code": apiErr.StatusCode,
		}).WithError(err).Warn("Payment provider request failed")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "payment provider request failed")
	default:
		h.logger.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": observability.GetRequestID(r.Context()),
		}).WithError(err).Error("Billing request failed")
		httputil.WriteInternalError(w)
	}
}
