package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/repository"
	"github.com/acme/failover-dialer/pkg/logger"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ControlConsumer applies pause and resume commands from a topic to the pause
// marker. The dispatcher still only polls the marker.
type ControlConsumer struct {
	reader   messageReader
	pause    repository.PauseControl
	campaign string
	logger   *logger.Logger
}

// NewControlConsumer constructs a consumer in the configured group.
func NewControlConsumer(k *Kafka, pause repository.PauseControl, campaign string, lg *logger.Logger) *ControlConsumer {
	return &ControlConsumer{
		reader:   k.NewReader(k.cfg.ControlTopic, k.cfg.ControlGroup),
		pause:    pause,
		campaign: campaign,
		logger:   lg,
	}
}

// Run consumes until ctx is cancelled. Malformed commands are logged and
// committed so they cannot wedge the group.
func (c *ControlConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control consumer: fetch: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Warn("control consumer: command rejected",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("control consumer: commit failed", zap.Error(err))
		}
	}
}

var errUnknownAction = errors.New("unknown control action")

func (c *ControlConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var cmd ControlCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if cmd.Campaign != "" && cmd.Campaign != c.campaign {
		return nil
	}

	switch cmd.Action {
	case ControlPause:
		if err := c.pause.Pause(ctx); err != nil {
			return err
		}
	case ControlResume:
		if err := c.pause.Resume(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}

	c.logger.Info("control consumer: applied command",
		zap.String("action", cmd.Action),
		zap.String("requester", cmd.Requester),
	)
	return nil
}

// Close closes the reader.
func (c *ControlConsumer) Close() error {
	return c.reader.Close()
}
