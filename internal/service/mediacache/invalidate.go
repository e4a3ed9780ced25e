package mediacache

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// Invalidation is a pushed notice that a source changed and its cached copy
// must go. An empty MediaType drops the key from every type.
type Invalidation struct {
	Key       string           `json:"key"`
	MediaType domain.MediaType `json:"media_type,omitempty"`
}

// ApplyInvalidation decodes one pushed message and removes the entry it names
func (c *Cache) ApplyInvalidation(msg []byte) error {
	var inv Invalidation
	if err := json.Unmarshal(msg, &inv); err != nil {
		return fmt.Errorf("%w: invalidation: %v", domain.ErrDecoding, err)
	}
	if inv.Key == "" {
		return fmt.Errorf("%w: invalidation without key", domain.ErrInvalidInput)
	}

	if inv.MediaType == "" {
		c.Remove(inv.Key)
		return nil
	}
	if !inv.MediaType.Valid() {
		return fmt.Errorf("%w: unknown media type %q", domain.ErrInvalidInput, inv.MediaType)
	}
	c.RemoveTyped(inv.MediaType, inv.Key)
	return nil
}

// ConsumeInvalidations applies messages until msgs closes or ctx is done.
// Malformed messages are logged and skipped.
func (c *Cache) ConsumeInvalidations(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := c.ApplyInvalidation(msg); err != nil {
				c.logger.Warn("ignoring cache invalidation", zap.Error(err))
			}
		}
	}
}
