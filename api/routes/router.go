package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/storefront-backend/api/controllers"
	ordercontrollers "github.com/angelmondragon/storefront-backend/api/controllers/orders"
	paymentcontrollers "github.com/angelmondragon/storefront-backend/api/controllers/payments"
	sellercontrollers "github.com/angelmondragon/storefront-backend/api/controllers/sellers"
	webhookcontrollers "github.com/angelmondragon/storefront-backend/api/controllers/webhooks"
	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

// Deps carries everything the HTTP surface calls into. Nil services make
// their routes answer with an internal error.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          controllers.Pinger
	Redis       controllers.Pinger
	Idempotency redis.IdempotencyStore
	Gatherer    prometheus.Gatherer

	Orders      orders.Service
	Payments    payments.Service
	Coordinator paymentcontrollers.Confirmer
	Webhooks    webhookcontrollers.RazorpayWebhookHandler
	Refunds     RefundProcessor
	Ledger      sellercontrollers.BalanceReader
}

// RefundProcessor cancels and refunds orders.
type RefundProcessor interface {
	ordercontrollers.Canceller
	paymentcontrollers.Refunder
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	// RequestID runs first so a recovered panic still echoes the id.
	r.Use(
		middleware.RequestID(logg),
		middleware.Recoverer(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, map[string]controllers.Pinger{
			"database": deps.DB,
			"redis":    deps.Redis,
		}, logg))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// The gateway signs the raw body; it carries no bearer token.
		r.Post("/payment/webhook", webhookcontrollers.RazorpayWebhook(deps.Webhooks, logg))

		if cfg.FeatureFlags.GuestOrders {
			r.With(middleware.Idempotency(deps.Idempotency, logg)).
				Post("/orders/guest", ordercontrollers.CreateGuest(deps.Orders, deps.Payments, logg))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(deps.Idempotency, logg))

			r.Route("/orders", func(r chi.Router) {
				r.With(middleware.RequireRole(logg, enums.RoleBuyer)).
					Post("/", ordercontrollers.Create(deps.Orders, logg))
				r.Get("/", ordercontrollers.List(deps.Orders, logg))
				r.Get("/{orderId}", ordercontrollers.Detail(deps.Orders, logg))
				r.Put("/{orderId}/cancel", ordercontrollers.Cancel(deps.Refunds, logg))
			})

			r.Route("/payment", func(r chi.Router) {
				r.Post("/create-order", paymentcontrollers.CreateOrder(deps.Payments, logg))
				r.Post("/payment-link", paymentcontrollers.PaymentLink(deps.Payments, logg))
				r.Post("/verify", paymentcontrollers.Verify(deps.Coordinator, logg))
				r.With(middleware.RequireRole(logg, enums.RoleAdmin)).
					Post("/refund", paymentcontrollers.Refund(deps.Refunds, logg))
			})

			r.With(middleware.RequireRole(logg, enums.RoleSeller, enums.RoleAdmin)).
				Get("/sellers/{sellerId}/balance", sellercontrollers.Balance(deps.Ledger, cfg.Pricing.Currency, logg))
		})
	})

	return r
}
