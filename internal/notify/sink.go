package notify

import (
	"context"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// Sink consumes batches of notifications. Implementations must be safe
// for repeated calls, honor ctx deadlines, and may be invoked
// concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []pipeline.Notification) error
	Close(ctx context.Context) error
}
