package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"orion/pkg/envelope"
)

// runStatus broadcasts a system_status envelope on every tick of the
// configured cron schedule.
func (s *Service) runStatus(ctx context.Context) {
	schedule := s.cfg.Status.Schedule
	log := s.log.With("schedule", schedule)

	for {
		next, err := gronx.NextTickAfter(schedule, s.now(), false)
		if err != nil {
			log.Error("Invalid status schedule, broadcast disabled", "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.broadcastStatus(ctx); err != nil {
			log.Warn("System status broadcast failed", "error", err)
		}
	}
}

func (s *Service) broadcastStatus(ctx context.Context) error {
	msg, err := envelope.New(envelope.TypeSystemStatus, SenderID, s.systemStats(),
		envelope.WithPriority(envelope.PriorityLow))
	if err != nil {
		return fmt.Errorf("build system status: %w", err)
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish system status: %w", err)
	}
	s.log.Debug("System status broadcast", "message_id", msg.ID)
	return nil
}
