package client

import (
	"context"
	"io"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
)

type Client interface {
	Close() error
	Initialize(ctx context.Context, t models.NewTransfer) (*models.Transfer, error)
	Upload(ctx context.Context, transferID string, sizeHint int64, r io.Reader) (*models.Transfer, error)
	// Download writes the content to w and returns the transfer's metadata.
	Download(ctx context.Context, transferID string, w io.Writer) (*models.Transfer, error)
	ConfirmDownload(ctx context.Context, transferID, operationKey string) (*models.Confirmation, error)
	Cancel(ctx context.Context, transferID string) (*models.Transfer, error)
	Status(ctx context.Context, transferID string) (*models.TransferStatus, error)
}
