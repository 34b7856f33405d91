package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"lv-escrow/internal/attachments"
	"lv-escrow/internal/auth"
	"lv-escrow/internal/db"
	"lv-escrow/internal/destinations"
	"lv-escrow/internal/escrow"
	"lv-escrow/internal/health"
	"lv-escrow/internal/ledger"
	"lv-escrow/internal/limits"
	"lv-escrow/internal/metrics"
	"lv-escrow/internal/outbox"
	"lv-escrow/internal/policy"
)

type RouterDeps struct {
	Runner       *db.Runner
	Engine       *escrow.Engine
	Ledger       *ledger.Service
	Limits       *limits.Tracker
	Policies     *policy.Store
	Destinations *destinations.Store
	Attachments  *attachments.Store
	Outbox       *outbox.Store
	AuthService  *auth.Service
	AuthHandler  *auth.Handler
	Health       *health.Handler
	WSHandler    http.Handler
	RateLimiter  *RateLimiter
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
	Logger       *slog.Logger
}

// api holds the handler dependencies.
type api struct {
	runner       *db.Runner
	engine       *escrow.Engine
	ledger       *ledger.Service
	limits       *limits.Tracker
	policies     *policy.Store
	destinations *destinations.Store
	files        *attachments.Store
	outbox       *outbox.Store
	log          *slog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &api{
		runner:       d.Runner,
		engine:       d.Engine,
		ledger:       d.Ledger,
		limits:       d.Limits,
		policies:     d.Policies,
		destinations: d.Destinations,
		files:        d.Attachments,
		outbox:       d.Outbox,
		log:          logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestMetrics(d.Metrics))
	r.Use(SecurityHeaders)
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	if d.Health != nil {
		r.Get("/health", d.Health.Ready)
		r.Get("/health/live", d.Health.Live)
	}
	if d.Registry != nil {
		r.Handle("/metrics", metrics.Handler(d.Registry))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/admin-login", d.AuthHandler.AdminLogin)
		if d.WSHandler != nil {
			r.Get("/ws", d.WSHandler.ServeHTTP)
		}
		r.Get("/destination-types", s.destinationTypes)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/me", withActor(d.AuthHandler.Me))
			r.Get("/accounts", withActor(s.listAccounts))
			r.Get("/accounts/{id}/transactions", withActor(s.accountTransactions))
			r.Get("/limits/usages", withActor(s.usages))
			r.Post("/limits/check", withActor(s.checkLimit))

			r.Get("/destinations", withActor(s.listDestinations))
			r.Post("/destinations", withActor(s.createDestination))
			r.Post("/destinations/{id}/enable", withActor(s.setDestinationEnabled(true)))
			r.Post("/destinations/{id}/disable", withActor(s.setDestinationEnabled(false)))
			r.Post("/files", withActor(s.recordFile))

			r.Post("/withdraw-requests", withActor(s.createWithdraw))
			r.Get("/withdraw-requests/{id}", withActor(s.getWithdraw))
			r.Post("/withdraw-requests/{id}/cancel", withActor(s.cancelWithdraw))
			r.Post("/deposit-requests", withActor(s.createDeposit))
			r.Get("/deposit-requests/{id}", withActor(s.getDeposit))
			r.Post("/deposit-requests/{id}/cancel", withActor(s.cancelDeposit))

			r.Get("/allocations", withActor(s.listAllocations))
			r.Get("/allocations/{id}", withActor(s.getAllocation))
			r.Post("/allocations/{id}/proof", withActor(s.submitProof))
			r.Post("/allocations/{id}/confirm", withActor(s.confirm))
			r.Post("/allocations/{id}/cancel", withActor(s.cancelAllocation))

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/withdraw-requests/{id}/assign", withActor(s.assign))
				r.Post("/allocations/{id}/verify", withActor(s.verify))
				r.Post("/allocations/{id}/finalize", withActor(s.finalize))
				r.Get("/allocations/expiring-soon", s.expiringSoon)
				r.Post("/expiry/run", s.runExpiry)

				r.Post("/fund", withActor(s.fund))
				r.Put("/accounts/{id}/min-balance", withActor(s.setMinBalance))
				r.Get("/accounts/{id}/reconcile", s.reconcile)

				r.Get("/limit-rules", s.listRules)
				r.Post("/limit-rules", s.saveRule)
				r.Put("/limit-rules/{id}", s.saveRule)
				r.Post("/limit-rules/{id}/enabled", s.setRuleEnabled)
				r.Get("/subjects/{userID}", s.getSubject)
				r.Put("/subjects/{userID}", s.saveSubject)

				r.Get("/outbox/{id}", s.getOutboxEvent)
				r.Post("/outbox/requeue", s.requeueOutbox)
			})
		})
	})
	return r
}
