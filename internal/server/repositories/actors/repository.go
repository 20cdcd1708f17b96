package actors

import (
	"context"

	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

type Repository interface {
	// GetOrCreate returns the actor with externalID, creating it with
	// candidateID on first reference.
	GetOrCreate(ctx context.Context, externalID, candidateID string) (*models.Actor, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Actor, error)
}
