package services

import (
	"crypto/md5"
	"fmt"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

// validateInitialize checks req and returns its recipients deduplicated in
// first-seen order.
func validateInitialize(req InitializeRequest) ([]string, error) {
	if req.ResourceID == "" {
		return nil, fmt.Errorf("resource id is required: %w", common.ErrValidation)
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: %w", common.ErrValidation)
	}
	if req.Sender == "" {
		return nil, fmt.Errorf("sender is required: %w", common.ErrValidation)
	}
	if n := len(req.DeclaredChecksum); n != 0 && n != md5.Size {
		return nil, fmt.Errorf("checksum must be %d bytes, got %d: %w", md5.Size, n, common.ErrValidation)
	}
	if err := validateProperties(req.Properties); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(req.Recipients))
	out := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r == "" {
			return nil, fmt.Errorf("empty recipient: %w", common.ErrValidation)
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one recipient is required: %w", common.ErrValidation)
	}
	return out, nil
}

func validateProperties(props map[string]string) error {
	if len(props) > models.MaxProperties {
		return fmt.Errorf("too many properties (%d > %d): %w", len(props), models.MaxProperties, common.ErrValidation)
	}
	for k, v := range props {
		if k == "" || len(k) > models.MaxPropertyKeyLen {
			return fmt.Errorf("property key %q: %w", k, common.ErrValidation)
		}
		if len(v) > models.MaxPropertyValueLen {
			return fmt.Errorf("property %q value too long: %w", k, common.ErrValidation)
		}
	}
	return nil
}
