package registry

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/config"
)

// Open builds the registry backend selected by the store configuration.
func Open(ctx context.Context, store config.Store, db config.Database, clock clockwork.Clock) (Registry, error) {
	switch store.Backend {
	case config.StoreBadger, "":
		logger := log.WithField("component", "badger")
		return NewBadgerRegistry(store.Datadir, logger, clock)
	case config.StorePostgres:
		conn, err := OpenDB(ctx, db.DSN())
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		return NewPostgresRegistry(conn, clock), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", store.Backend)
	}
}
