// Package db implements the opening and graceful closing of database connections.
package db

import (
	"fmt"

	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/store/memory"
	"github.com/tarancss/scc/lib/store/mongo"
	"github.com/tarancss/scc/lib/store/postgres"
)

// Supported database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	MEMORY   string = "memory"
)

// New returns a new database connection according to the options (database type).
func New(options, connection string) (store.DB, error) {
	var (
		dh  store.DB
		err error
	)

	switch options {
	case MONGODB:
		var m *mongo.Mongo
		if m, err = mongo.New(connection, ""); err == nil {
			dh = m
		}
	case POSTGRES, "postgres":
		var p *postgres.Postgres
		if p, err = postgres.New(connection); err == nil {
			dh = p
		}
	case MEMORY:
		dh = memory.New()
	default:
		err = fmt.Errorf("unsupported database type %q", options)
	}

	return dh, err
}

// Close gracefully closes the database connection.
func Close(dh store.DB) error {
	if dh == nil {
		return nil
	}

	return dh.Close()
}
