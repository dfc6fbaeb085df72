package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicememory/internal/memory"
)

// NewStore creates a postgres-backed store when databaseURL is set,
// otherwise SQLite at sqlitePath. The schema is initialized before return.
func NewStore(ctx context.Context, databaseURL, sqlitePath string, opts Options) (memory.Store, error) {
	var (
		store memory.Store
		err   error
	)
	if strings.TrimSpace(databaseURL) != "" {
		store, err = NewPostgresStore(ctx, databaseURL, opts)
	} else {
		store, err = NewSQLiteStore(sqlitePath, opts)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	return store, nil
}
