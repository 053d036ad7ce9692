package main

import (
	"context"
	"strings"

	"github.com/randalmurphal/comet/pkg/comet/store"
)

// openStore picks the backend from the DSN: postgres:// and
// postgresql:// URLs use Postgres, anything else is a SQLite path.
func openStore(ctx context.Context, s *settings) (store.Store, error) {
	dsn := s.Store.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: dsn, MaxConns: s.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
