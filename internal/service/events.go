package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// publish sends a best-effort event; a nil bus or a failed publish only logs.
func publish(ctx context.Context, bus domain.EventBus, logger *slog.Logger, channel, typ string, data any) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(domain.Event{Type: typ, At: time.Now().UTC(), Data: data})
	if err != nil {
		logger.WarnContext(ctx, "encode event failed", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}
	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.DebugContext(ctx, "publish event failed", slog.String("type", typ), slog.String("error", err.Error()))
	}
}
