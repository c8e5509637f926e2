package supervisor

import (
	"context"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/pkg/pgnotify"
)

// ledgerNotifyChannel is the Postgres channel the contributions table NOTIFYs
// on every insert (see postgres.Store.AppendContribution).
const ledgerNotifyChannel = "contribution_ingested"

// LedgerNotifyService drives RollupContributions off real Postgres
// LISTEN/NOTIFY wakeups instead of a fixed ticker, grounded on
// pkg/pgnotify.Bus's Subscribe/Handler idiom. Registered in place of
// NewLedgerSync whenever the runtime is configured against Postgres, per
// §4.9's note that "the Postgres store variant instead registers real
// LISTEN/NOTIFY channels."
type LedgerNotifyService struct {
	dsn   string
	store storage.Store
	log   *alog.Logger
	bus   *pgnotify.Bus
}

// NewLedgerNotifyService returns a service that lazily opens its own
// pgnotify.Bus connection on Start, independent of the store's own
// connection pool, since pgnotify needs a dedicated listener connection.
func NewLedgerNotifyService(dsn string, store storage.Store, log *alog.Logger) *LedgerNotifyService {
	return &LedgerNotifyService{dsn: dsn, store: store, log: log}
}

func (s *LedgerNotifyService) Name() string { return "ledger_notify" }

func (s *LedgerNotifyService) Start(ctx context.Context) error {
	bus, err := pgnotify.New(s.dsn)
	if err != nil {
		return err
	}
	s.bus = bus

	// Run one rollup immediately so the memory item exists before the first
	// notification arrives.
	if err := RollupContributions(ctx, s.store); err != nil {
		s.log.WithError(err).Warn("initial ledger rollup failed")
	}

	return bus.Subscribe(ledgerNotifyChannel, func(ctx context.Context, _ pgnotify.Event) error {
		if err := RollupContributions(ctx, s.store); err != nil {
			s.log.WithError(err).Warn("ledger rollup on notify failed")
			return err
		}
		return nil
	})
}

func (s *LedgerNotifyService) Stop(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}
