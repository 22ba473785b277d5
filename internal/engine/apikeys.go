package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lockbridge/internal/domain"
	"lockbridge/internal/engine/auth"
	"lockbridge/internal/events"
	"lockbridge/internal/repo"
)

// APIKeyPrefix marks bridge API keys so they are recognizable in config and
// logs.
const APIKeyPrefix = "lb_"

var errNoLedger = errors.New("ledger not configured")

// CreateAPIKey issues a key for actorID. The plaintext secret is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, permissions []string) (domain.APIKey, string, error) {
	if e.DB == nil {
		return domain.APIKey{}, "", errNoLedger
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor id required")
	}
	for _, p := range permissions {
		if !auth.ValidPermission(p) {
			return domain.APIKey{}, "", fmt.Errorf("unknown permission %q", p)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := APIKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: append([]string{}, permissions...),
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeAPIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{
			"name":        name,
			"permissions": key.Permissions,
		})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// DeleteAPIKey removes a key; repo.ErrNotFound if it does not exist.
func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	if e.DB == nil {
		return errNoLedger
	}
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeAPIKeyDeleted, "api_key", id, actorID, nil)
	})
}
