package resources

import (
	"context"

	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

type Repository interface {
	Upsert(ctx context.Context, r *models.Resource) error
	Get(ctx context.Context, id string) (*models.Resource, error)
}
