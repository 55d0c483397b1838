package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardoise/stonetrade/internal/anomaly"
	"github.com/ardoise/stonetrade/internal/api"
	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/config"
	"github.com/ardoise/stonetrade/internal/idempotency"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/quotation"
	"github.com/ardoise/stonetrade/internal/ratelimit"
	"github.com/ardoise/stonetrade/internal/user"
)

// application bundles the shared state the route table needs.
type application struct {
	cfg      *config.Config
	recorder *audit.Recorder
	metrics  *middleware.Metrics
	jwt      *auth.JWTService
	users    user.Repository

	quotations quotation.Repository
	orders     order.Repository

	store    ratelimit.Store
	verifier ratelimit.Verifier
	detector *anomaly.Detector
	throttle *middleware.ThrottleTracker
	idemRepo idempotency.Repository

	auth         *api.AuthHandlers
	quotationAPI *api.QuotationHandlers
	orderAPI     *api.OrderHandlers
	paymentAPI   *api.PaymentHandlers
	webhookAPI   *api.WebhookHandlers
	auditAPI     *api.AuditHandlers
	healthAPI    *api.HealthHandlers
}

// chain applies middleware so that the first listed runs first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Login attempts are tracked per IP only: there is no authenticated
// subject yet when the stage runs.
const (
	loginWindow         = 15 * time.Minute
	loginBlockThreshold = 10
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	recorder := app.recorder

	waf := func(endpoint string) func(http.Handler) http.Handler {
		return middleware.WAF(middleware.WAFConfig{Store: app.store, Recorder: recorder, Endpoint: endpoint})
	}
	requireAuth := middleware.RequireAuth(app.jwt, recorder)
	staffOnly := middleware.RequireRole(recorder, auth.RoleSalesRep, auth.RoleAdmin)
	adminOnly := middleware.RequireRole(recorder, auth.RoleAdmin)
	buyerOnly := middleware.RequireRole(recorder, auth.RoleBuyer, auth.RoleAdmin)
	sanitize := middleware.SanitizeResponse

	approvalLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Endpoint: "quotation.approve",
		UserPolicy: ratelimit.Policy{
			Window:           app.cfg.ApprovalWindow,
			CaptchaThreshold: app.cfg.ApprovalCaptchaThreshold,
			BlockThreshold:   app.cfg.ApprovalBlockThreshold,
		},
		IPPolicy: ratelimit.Policy{
			Window:         app.cfg.ApprovalWindow,
			BlockThreshold: app.cfg.ApprovalIPBlockThreshold,
		},
		Store:    app.store,
		Verifier: app.verifier,
		Recorder: recorder,
		Metrics:  app.metrics,
	})
	paymentLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Endpoint: "payment.submit",
		UserPolicy: ratelimit.Policy{
			Window:         app.cfg.PaymentWindow,
			BlockThreshold: app.cfg.PaymentBlockThreshold,
		},
		IPPolicy: ratelimit.Policy{
			Window:         app.cfg.PaymentWindow,
			BlockThreshold: app.cfg.PaymentIPBlockThreshold,
		},
		Store:    app.store,
		Verifier: app.verifier,
		Recorder: recorder,
		Metrics:  app.metrics,
	})
	loginLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Endpoint: "auth.login",
		IPPolicy: ratelimit.Policy{
			Window:         loginWindow,
			BlockThreshold: loginBlockThreshold,
		},
		Store:    app.store,
		Verifier: app.verifier,
		Recorder: recorder,
		Metrics:  app.metrics,
	})

	// Liveness, readiness, metrics. No auth: these never touch domain data.
	mux.HandleFunc("GET /health", app.healthAPI.Health)
	mux.HandleFunc("GET /ready", app.healthAPI.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Stripe calls this; authentication is the signature check inside.
	mux.HandleFunc("POST /webhooks/stripe", app.webhookAPI.HandleStripeWebhook)

	mux.Handle("POST /auth/login", chain(http.HandlerFunc(app.auth.Login),
		waf("auth.login"), loginLimit))
	mux.Handle("POST /auth/refresh", chain(http.HandlerFunc(app.auth.Refresh),
		waf("auth.refresh")))

	// Quotations, buyer side.
	mux.Handle("POST /quotations", chain(http.HandlerFunc(app.quotationAPI.CreateQuotation),
		waf("quotation.create"), requireAuth, buyerOnly, sanitize))
	mux.Handle("GET /quotations", chain(http.HandlerFunc(app.quotationAPI.ListQuotations),
		waf("quotation.list"), requireAuth, sanitize))
	mux.Handle("GET /quotations/{id}", chain(http.HandlerFunc(app.quotationAPI.GetQuotation),
		waf("quotation.get"), requireAuth, app.ownQuotation("quotation.get"), sanitize))
	mux.Handle("POST /quotations/{id}/submit", chain(http.HandlerFunc(app.quotationAPI.SubmitQuotation),
		waf("quotation.submit"), requireAuth, buyerOnly, app.ownQuotation("quotation.submit"), sanitize))
	mux.Handle("POST /quotations/{id}/request-adjustment", chain(http.HandlerFunc(app.quotationAPI.RequestAdjustment),
		waf("quotation.request_adjustment"), requireAuth, buyerOnly, app.ownQuotation("quotation.request_adjustment"), sanitize))

	// Approval is the most sensitive buyer operation and carries the full
	// pipeline: tracking with CAPTCHA escalation, ownership, state guard,
	// password confirmation, anomaly screening, and a concurrency cap.
	mux.Handle("POST /quotations/{id}/approve", chain(http.HandlerFunc(app.quotationAPI.ApproveQuotation),
		waf("quotation.approve"),
		requireAuth,
		buyerOnly,
		approvalLimit,
		app.ownQuotation("quotation.approve"),
		middleware.RequireStatus(approvalCheck, quotationDenial, recorder, "quotation.approve"),
		middleware.RequireReauth(app.users, recorder),
		middleware.AnomalyCheck(app.detector, recorder, "quotation.approve", resourceAmount),
		middleware.Throttle(app.throttle, "quotation.approve", 1, 2*time.Second, recorder),
		sanitize))
	mux.Handle("POST /quotations/{id}/reject", chain(http.HandlerFunc(app.quotationAPI.RejectQuotation),
		waf("quotation.reject"),
		requireAuth,
		buyerOnly,
		app.ownQuotation("quotation.reject"),
		middleware.RequireStatus(decisionCheck, quotationDenial, recorder, "quotation.reject"),
		sanitize))

	// Quotations, staff side.
	mux.Handle("POST /quotations/{id}/issue", chain(http.HandlerFunc(app.quotationAPI.IssueQuotation),
		waf("quotation.issue"),
		requireAuth,
		staffOnly,
		app.staffQuotation("quotation.issue"),
		middleware.RequireStatus(issueCheck, quotationDenial, recorder, "quotation.issue"),
		sanitize))

	// Orders, buyer side.
	mux.Handle("GET /orders", chain(http.HandlerFunc(app.orderAPI.ListOrders),
		waf("order.list"), requireAuth, sanitize))
	mux.Handle("GET /orders/{id}", chain(http.HandlerFunc(app.orderAPI.GetOrder),
		waf("order.get"), requireAuth, app.ownOrder("order.get"), sanitize))
	mux.Handle("GET /orders/{id}/payments", chain(http.HandlerFunc(app.paymentAPI.ListProofs),
		waf("payment.list"), requireAuth, app.ownOrder("payment.list"), sanitize))

	// Payment proof submission. The field filter runs before the
	// idempotency cache so a tampering attempt is never cached, and the
	// idempotency stage before the handler so a duplicated submission
	// replays the stored response instead of inserting twice.
	mux.Handle("POST /orders/{id}/payments", chain(http.HandlerFunc(app.paymentAPI.SubmitProof),
		waf("payment.submit"),
		requireAuth,
		buyerOnly,
		paymentLimit,
		app.ownOrder("payment.submit"),
		middleware.RequireStatus(payableCheck, orderDenial, recorder, "payment.submit"),
		middleware.RejectFields(recorder, "payment.submit", "status", "paymentStatus", "payment_status", "reviewedBy"),
		middleware.RequireReauth(app.users, recorder),
		middleware.AnomalyCheck(app.detector, recorder, "payment.submit", middleware.JSONAmount("amount")),
		middleware.Idempotency(app.idemRepo, nil),
		sanitize))
	mux.Handle("POST /orders/{id}/checkout", chain(http.HandlerFunc(app.paymentAPI.CreateCheckout),
		waf("payment.checkout"),
		requireAuth,
		buyerOnly,
		paymentLimit,
		app.ownOrder("payment.checkout"),
		middleware.RequireStatus(payableCheck, orderDenial, recorder, "payment.checkout"),
		middleware.AnomalyCheck(app.detector, recorder, "payment.checkout", middleware.JSONAmount("amount")),
		sanitize))

	// Payments, staff side. Review moves money state, so it shares the
	// admin surface's source-address restriction when one is configured.
	mux.Handle("POST /payments/{id}/review", chain(http.HandlerFunc(app.paymentAPI.ReviewProof),
		waf("payment.review"), requireAuth, staffOnly,
		middleware.IPAllowlist(app.cfg.AdminIPAllowlist, recorder, "payment.review"),
		sanitize))

	// Fulfillment, staff side. The state guard here is the cheap early
	// denial; the store's conditional update remains authoritative.
	mux.Handle("POST /orders/{id}/confirm", app.fulfillmentRoute("order.confirm",
		fulfillmentCheck(order.FulfillmentDraft), app.orderAPI.ConfirmOrder))
	mux.Handle("POST /orders/{id}/dispatch", app.fulfillmentRoute("order.dispatch",
		fulfillmentCheck(order.FulfillmentConfirmed), app.orderAPI.DispatchOrder))
	mux.Handle("POST /orders/{id}/deliver", app.fulfillmentRoute("order.deliver",
		fulfillmentCheck(order.FulfillmentDispatched), app.orderAPI.DeliverOrder))
	mux.Handle("POST /orders/{id}/cancel", app.fulfillmentRoute("order.cancel",
		cancellableCheck, app.orderAPI.CancelOrder))

	// Admin audit access: role, source IP, and a serialized export queue.
	// Exports walk large ranges, so concurrent ones are capped rather
	// than rejected.
	mux.Handle("GET /admin/audit", chain(http.HandlerFunc(app.auditAPI.QueryBySubject),
		waf("audit.query"),
		requireAuth,
		adminOnly,
		middleware.IPAllowlist(app.cfg.AdminIPAllowlist, recorder, "audit.query")))
	mux.Handle("GET /admin/audit/export", chain(http.HandlerFunc(app.auditAPI.Export),
		waf("audit.export"),
		requireAuth,
		adminOnly,
		middleware.IPAllowlist(app.cfg.AdminIPAllowlist, recorder, "audit.export"),
		middleware.AnomalyCheck(app.detector, recorder, "audit.export", nil),
		middleware.SerializeQueue(app.throttle, "audit.export", int64(app.cfg.AnalyticsMaxConcurrent), app.cfg.ApprovalQueueWait, recorder)))

	return middleware.HTTPMetrics(app.metrics)(mux)
}

func (app *application) fulfillmentRoute(action string, check middleware.StatusCheck, h http.HandlerFunc) http.Handler {
	return chain(h,
		middleware.WAF(middleware.WAFConfig{Store: app.store, Recorder: app.recorder, Endpoint: action}),
		middleware.RequireAuth(app.jwt, app.recorder),
		middleware.RequireRole(app.recorder, auth.RoleSalesRep, auth.RoleAdmin),
		app.staffOrder(action),
		middleware.RequireStatus(check, orderDenial, app.recorder, action),
		middleware.SanitizeResponse)
}

// ownQuotation validates buyer ownership with a single owner-scoped query.
func (app *application) ownQuotation(action string) func(http.Handler) http.Handler {
	lookup := func(r *http.Request, resourceID, subjectID string) (*middleware.ValidatedResource, error) {
		q, err := app.quotations.GetByIDAndOwner(r.Context(), resourceID, subjectID)
		if err != nil {
			if errors.Is(err, quotation.ErrQuotationNotFound) {
				return nil, middleware.ErrNotOwned
			}
			return nil, err
		}
		return quotationResource(q), nil
	}
	return middleware.RequireOwnership(lookup, app.recorder, action, "id")
}

// staffQuotation attaches the snapshot without an owner filter; the role
// gate in front of it is what authorizes the access.
func (app *application) staffQuotation(action string) func(http.Handler) http.Handler {
	lookup := func(r *http.Request, resourceID, _ string) (*middleware.ValidatedResource, error) {
		q, err := app.quotations.GetByID(r.Context(), resourceID)
		if err != nil {
			if errors.Is(err, quotation.ErrQuotationNotFound) {
				return nil, middleware.ErrNotOwned
			}
			return nil, err
		}
		return quotationResource(q), nil
	}
	return middleware.RequireOwnership(lookup, app.recorder, action, "id")
}

func quotationResource(q *quotation.Quotation) *middleware.ValidatedResource {
	return &middleware.ValidatedResource{
		ID:              q.ID,
		OwnerID:         q.BuyerID,
		Status:          q.Status,
		ReferenceNumber: q.ReferenceNumber,
		ValidityEnd:     q.ValidityEnd,
		PriorDecision:   q.BuyerDecision,
		Amount:          q.Amount,
	}
}

// ownOrder projects the payment-relevant view: the snapshot's status is the
// payment status and the amount is the outstanding balance, which is what
// the checkout handler validates requested amounts against.
func (app *application) ownOrder(action string) func(http.Handler) http.Handler {
	lookup := func(r *http.Request, resourceID, subjectID string) (*middleware.ValidatedResource, error) {
		o, err := app.orders.GetByIDAndOwner(r.Context(), resourceID, subjectID)
		if err != nil {
			if errors.Is(err, order.ErrOrderNotFound) {
				return nil, middleware.ErrNotOwned
			}
			return nil, err
		}
		return &middleware.ValidatedResource{
			ID:              o.ID,
			OwnerID:         o.BuyerID,
			Status:          o.PaymentStatus,
			ReferenceNumber: o.OrderNumber,
			Amount:          o.OutstandingBalance(),
		}, nil
	}
	return middleware.RequireOwnership(lookup, app.recorder, action, "id")
}

// staffOrder projects the fulfillment view for the staff transitions.
func (app *application) staffOrder(action string) func(http.Handler) http.Handler {
	lookup := func(r *http.Request, resourceID, _ string) (*middleware.ValidatedResource, error) {
		o, err := app.orders.GetByID(r.Context(), resourceID)
		if err != nil {
			if errors.Is(err, order.ErrOrderNotFound) {
				return nil, middleware.ErrNotOwned
			}
			return nil, err
		}
		return &middleware.ValidatedResource{
			ID:              o.ID,
			OwnerID:         o.BuyerID,
			Status:          o.FulfillmentStatus,
			ReferenceNumber: o.OrderNumber,
			Amount:          o.OutstandingBalance(),
		}, nil
	}
	return middleware.RequireOwnership(lookup, app.recorder, action, "id")
}

// resourceAmount feeds the anomaly detector the quoted total from the
// ownership stage's snapshot.
func resourceAmount(r *http.Request) int64 {
	if res := middleware.GetValidatedResource(r.Context()); res != nil {
		return res.Amount
	}
	return 0
}

// approvalCheck admits only an issued quotation that is inside its validity
// window and carries no prior buyer decision.
func approvalCheck(res *middleware.ValidatedResource) error {
	if res.PriorDecision != "" {
		return quotation.ErrAlreadyProcessed
	}
	if res.Status != quotation.StatusIssued {
		return quotation.ErrInvalidTransition
	}
	if time.Now().After(res.ValidityEnd) {
		return quotation.ErrExpired
	}
	return nil
}

// decisionCheck admits a rejection of any issued quotation; expiry does not
// bar the buyer from declining.
func decisionCheck(res *middleware.ValidatedResource) error {
	if res.PriorDecision != "" {
		return quotation.ErrAlreadyProcessed
	}
	if res.Status != quotation.StatusIssued {
		return quotation.ErrInvalidTransition
	}
	return nil
}

func issueCheck(res *middleware.ValidatedResource) error {
	if res.Status != quotation.StatusSubmitted {
		return quotation.ErrInvalidTransition
	}
	return nil
}

// payableCheck stops payment operations against an order with nothing left
// to pay.
func payableCheck(res *middleware.ValidatedResource) error {
	if res.Status == order.PaymentFullyPaid {
		return order.ErrExceedsBalance
	}
	return nil
}

func fulfillmentCheck(required string) middleware.StatusCheck {
	return func(res *middleware.ValidatedResource) error {
		if res.Status != required {
			return order.ErrInvalidTransition
		}
		return nil
	}
}

func cancellableCheck(res *middleware.ValidatedResource) error {
	if res.Status == order.FulfillmentDelivered || res.Status == order.FulfillmentCancelled {
		return order.ErrInvalidTransition
	}
	return nil
}

func quotationDenial(err error) (int, string, string) {
	switch {
	case errors.Is(err, quotation.ErrAlreadyProcessed):
		return http.StatusConflict, api.ErrCodeAlreadyProcessed, "quotation already processed"
	case errors.Is(err, quotation.ErrExpired):
		return http.StatusBadRequest, api.ErrCodeExpired, "quotation validity window has passed"
	default:
		return http.StatusConflict, api.ErrCodeConflict, "quotation state does not allow this action"
	}
}

func orderDenial(err error) (int, string, string) {
	switch {
	case errors.Is(err, order.ErrExceedsBalance):
		return http.StatusBadRequest, api.ErrCodeExceedsBalance, "order is already fully paid"
	case errors.Is(err, order.ErrNotFullyPaid):
		return http.StatusBadRequest, api.ErrCodeNotFullyPaid, "order is not fully paid"
	default:
		return http.StatusConflict, api.ErrCodeConflict, "order state does not allow this action"
	}
}
