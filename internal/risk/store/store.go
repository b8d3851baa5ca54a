// Package store implements the risk engine's persistence on PostgreSQL and
// Redis.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/openidx/loginrisk/internal/risk"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string {
	return schema
}

// Migrate creates the risk tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply risk schema: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

var (
	_ risk.GeoRecordStore  = (*GeoRecords)(nil)
	_ risk.GeoRecordStore  = (*RedisGeoRecords)(nil)
	_ risk.TrustStore      = (*TrustedDevices)(nil)
	_ risk.AttemptStore    = (*Attempts)(nil)
	_ risk.HistoryReader   = (*LoginHistory)(nil)
	_ risk.HistoryRecorder = (*LoginHistory)(nil)
)
