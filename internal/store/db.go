package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to the remote store's Postgres database through the pgx
// stdlib driver and pings it. maxOpen <= 0 keeps the default pool size of 20.
func Open(ctx context.Context, databaseURL string, maxOpen int) (*sql.DB, error) {
	db, err := Connect(databaseURL, maxOpen)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Connect configures the pool without dialing. Connections are made lazily,
// so a database that is down at startup is picked up once it recovers.
func Connect(databaseURL string, maxOpen int) (*sql.DB, error) {
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetMaxOpenConns(maxOpen)
	return db, nil
}
