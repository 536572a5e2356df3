package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/corelatch/dbsched/store"
)

// openStore opens the configured backend: an in-memory store when --dsn is
// empty, a Postgres store otherwise. The in-memory mode needs no database
// and is enough to watch the scheduler run; the Postgres path is what two
// demo processes share to exercise cross-process claim-once behavior.
func openStore(ctx context.Context) (store.Store, func(), error) {
	dsn := viper.GetString("dsn")
	table := viper.GetString("table")
	if table == "" {
		table = "scheduled_tasks"
	}

	if dsn == "" {
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, dsn, table)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// schedulerName returns the configured name, or a hostname+random-suffix
// default so two demo processes on the same host never collide in
// picked_by.
func schedulerName() string {
	if name := viper.GetString("scheduler_name"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "demo"
	}
	return host + "-" + uuid.NewString()[:8]
}
