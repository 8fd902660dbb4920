package database

import (
	"fmt"

	"sonicwave/work/config"
)

// LoadGateways loads all stored gateway definitions ordered by priority.
// An empty result means the operator never persisted a gateway set and the
// configured defaults apply.
func (db *DB) LoadGateways() ([]config.GatewayConfig, error) {
	rows, err := db.Query(`SELECT name, url, priority, max_rps FROM gateways ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to load gateways: %w", err)
	}
	defer rows.Close()

	var gateways []config.GatewayConfig
	for rows.Next() {
		var gw config.GatewayConfig
		if err := rows.Scan(&gw.Name, &gw.URL, &gw.Priority, &gw.MaxRequestsPerSecond); err != nil {
			continue
		}
		gateways = append(gateways, gw)
	}
	return gateways, rows.Err()
}

// SaveGateways replaces the stored gateway set with the given definitions
// in one transaction.
func (db *DB) SaveGateways(gateways []config.GatewayConfig) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin gateway save: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM gateways`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear gateways: %w", err)
	}

	for _, gw := range gateways {
		_, err := tx.Exec(
			`INSERT INTO gateways (name, url, priority, max_rps) VALUES (?, ?, ?, ?)`,
			gw.Name, gw.URL, gw.Priority, gw.MaxRequestsPerSecond,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save gateway %s: %w", gw.Name, err)
		}
	}

	return tx.Commit()
}
