package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/store"
)

// ConsentCache stores consent decisions per owner. All writes go through one
// mutex so they apply in submission order.
type ConsentCache struct {
	store *store.Store
	log   waLog.Logger

	mu sync.Mutex
}

// NewConsentCache creates a ConsentCache.
func NewConsentCache(s *store.Store, log waLog.Logger) *ConsentCache {
	return &ConsentCache{store: s, log: log.Sub("Consent")}
}

// Get returns the consent state of an entity, ConsentUnknown when unset.
func (c *ConsentCache) Get(ctx context.Context, owner string, entityType model.ConsentEntityType, value string) (model.ConsentState, error) {
	var state string
	err := c.store.QueryRow(ctx, `
		SELECT state FROM consent WHERE owner_address = ? AND entity_type = ? AND entity_value = ?
	`, owner, string(entityType), value).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConsentUnknown, nil
	}
	if err != nil {
		return model.ConsentUnknown, fmt.Errorf("failed to get consent: %w", err)
	}
	return model.ConsentState(state), nil
}

// Put records one consent decision.
func (c *ConsentCache) Put(ctx context.Context, owner string, entityType model.ConsentEntityType, value string, state model.ConsentState) error {
	return c.BulkPut(ctx, []model.ConsentEntry{{
		OwnerAddress: owner,
		EntityType:   entityType,
		EntityValue:  value,
		State:        state,
	}})
}

// BulkPut upserts entries in one transaction. Later entries win over earlier
// ones for the same entity.
func (c *ConsentCache) BulkPut(ctx context.Context, entries []model.ConsentEntry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	err := c.store.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO consent (owner_address, entity_type, entity_value, state, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(owner_address, entity_type, entity_value) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare consent upsert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			updatedAt := e.UpdatedAt
			if updatedAt.IsZero() {
				updatedAt = now
			}
			if _, err := stmt.ExecContext(ctx, e.OwnerAddress, string(e.EntityType), e.EntityValue,
				string(e.State), store.Millis(updatedAt)); err != nil {
				return fmt.Errorf("failed to put consent for %s: %w", e.EntityValue, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.store.Notify(store.TableConsent)
	return nil
}

// LoadFromNetwork pulls the consent list from client and writes it over the
// matching local entries.
func (c *ConsentCache) LoadFromNetwork(ctx context.Context, client network.Client) ([]model.ConsentEntry, error) {
	entries, err := client.ListConsent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent: %w", err)
	}
	owner := client.Address()
	for i := range entries {
		if entries[i].OwnerAddress == "" {
			entries[i].OwnerAddress = owner
		}
	}
	if err := c.BulkPut(ctx, entries); err != nil {
		return nil, err
	}
	c.log.Infof("Loaded %d consent entries for %s", len(entries), owner)
	return entries, nil
}

// ListByOwner returns the owner's consent entries.
func (c *ConsentCache) ListByOwner(ctx context.Context, owner string) ([]model.ConsentEntry, error) {
	rows, err := c.store.Query(ctx, `
		SELECT owner_address, entity_type, entity_value, state, updated_at
		FROM consent WHERE owner_address = ? ORDER BY entity_type, entity_value
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent: %w", err)
	}
	defer rows.Close()

	var out []model.ConsentEntry
	for rows.Next() {
		var (
			e          model.ConsentEntry
			entityType string
			state      string
			updatedAt  int64
		)
		if err := rows.Scan(&e.OwnerAddress, &entityType, &e.EntityValue, &state, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		e.EntityType = model.ConsentEntityType(entityType)
		e.State = model.ConsentState(state)
		e.UpdatedAt = store.FromMillis(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
