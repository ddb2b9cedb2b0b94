package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata/products"
	"github.com/odyssey-erp/stockledger/internal/masterdata/units"
)

// Services bundles the stock ledger components shared by the API and worker.
type Services struct {
	Ledger       *inventory.Ledger
	Reservations *inventory.Reservations
	Validator    *inventory.Validator
	Preparer     *inventory.Preparer
	Reports      *inventory.Reports
	Auditor      *inventory.Auditor
}

// BuildServices wires repositories, unit conversions and the report cache.
// redisClient may be nil, in which case reports are computed on every call.
func BuildServices(ctx context.Context, cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger, metrics inventory.Metrics) (*Services, error) {
	catalog := products.NewService(products.NewRepository(pool))
	converter, err := units.LoadConverter(ctx, units.NewRepository(pool))
	if err != nil {
		return nil, fmt.Errorf("load unit conversions: %w", err)
	}

	var reportCache *inventory.ReportCache
	if redisClient != nil {
		reportCache = inventory.NewReportCache(redisClient, cfg.ReportCacheTTL)
	}

	repo := inventory.NewRepository(pool, cfg.LedgerLockTimeout)
	opts := inventory.Options{Logger: logger, Metrics: metrics}
	if reportCache != nil {
		opts.Cache = reportCache
	}

	reservations := inventory.NewReservations(repo, inventory.ReservationConfig{
		DefaultTTL: cfg.ReservationDefaultTTL,
		MaxHorizon: cfg.ReservationMaxHorizon,
	}, opts)

	return &Services{
		Ledger:       inventory.NewLedger(repo, opts),
		Reservations: reservations,
		Validator:    inventory.NewValidator(repo, catalog, converter, reservations, opts),
		Preparer:     inventory.NewPreparer(catalog, converter),
		Reports:      inventory.NewReports(repo, reportCache),
		Auditor:      inventory.NewAuditor(repo),
	}, nil
}

// Handler returns the HTTP handler over the bundled services.
func (s *Services) Handler(logger *slog.Logger) *inventory.Handler {
	return inventory.NewHandler(logger, inventory.HandlerDeps{
		Ledger:       s.Ledger,
		Reservations: s.Reservations,
		Validator:    s.Validator,
		Preparer:     s.Preparer,
		Reports:      s.Reports,
		Auditor:      s.Auditor,
	})
}
