package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/bazaar-market/api/internal/platform/config"
	"github.com/bazaar-market/api/internal/repositories"
	"github.com/bazaar-market/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart     services.CartService
	Checkout services.CheckoutService
	Orders   services.OrderService
	Reports  services.ReportService
	System   services.SystemService
}

// Infrastructure carries the optional adapters built by the entrypoint. Nil
// members disable the matching behaviour.
type Infrastructure struct {
	Payments services.PaymentGateway
	Events   services.OrderEventPublisher
	Metrics  services.OrderMetrics
	Archiver services.ReportArchiver
	Logger   func(ctx context.Context, event string, fields map[string]any)
	Clock    func() time.Time
	Build    services.BuildInfo
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes
// the Firestore registry while tests and local runs use the memory store.
func NewContainer(_ context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Repository: reg.Carts(),
		Products:   reg.Products(),
		Clock:      clock,
		Logger:     infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:                     reg.Carts(),
		Products:                  reg.Products(),
		Users:                     reg.Users(),
		Orders:                    reg.Orders(),
		UnitOfWork:                reg,
		Payments:                  infra.Payments,
		AllowCreditWithoutGateway: cfg.Checkout.AllowCreditNoPSP,
		Currency:                  cfg.Checkout.Currency,
		Events:                    infra.Events,
		Metrics:                   infra.Metrics,
		Sanitizer:                 bluemonday.StrictPolicy(),
		Clock:                     clock,
		Logger:                    infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		Users:      reg.Users(),
		UnitOfWork: reg,
		Payments:   infra.Payments,
		Events:     infra.Events,
		Metrics:    infra.Metrics,
		Clock:      clock,
		Logger:     infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	reportSvc, err := services.NewReportService(services.ReportServiceDeps{
		Orders:   reg.Orders(),
		Archiver: infra.Archiver,
		Clock:    clock,
		Logger:   infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build report service: %w", err)
	}
	svc.Reports = reportSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := infra.Build
		if build.Environment == "" {
			build.Environment = cfg.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
