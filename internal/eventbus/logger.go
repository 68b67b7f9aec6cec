package eventbus

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// LogPublisher is a dev/test fallback that logs every publish instead
// of delivering it. Useful when no Redis is available (local runs,
// unit tests exercising producers in isolation).
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, payload any) error {
	ev, err := Marshal("crucible", payload)
	if err != nil {
		return err
	}
	ev.ID = uuid.New().String()
	p.logger.Printf("[EVENTBUS] publish %s: %s", ev.ID, string(ev.Payload))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[EVENTBUS] closed LogPublisher")
	return nil
}
