package main

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDSNWithOptions forces the driver options the migration relies on:
// time columns scanned as time.Time in UTC and client-side interpolation.
func mysqlDSNWithOptions(baseDSN string) (string, error) {
	cfg, err := mysql.ParseDSN(baseDSN)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func extractMySQLDBName(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return "", fmt.Errorf("cannot extract database name from DSN: empty name")
	}
	return cfg.DBName, nil
}
