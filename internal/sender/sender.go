// Package sender drains pool lifecycle events to the ops event topic.
// Failed publishes land in an unsent queue flushed on a resend ticker,
// so a broker hiccup never loses a crash or exhaustion alert.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/cagehost/orchestrator/internal/models"
)

// EventWriter is the slice of *kafka.Writer the sender needs.
type EventWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(addr, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewSenderController(
	eventCh chan models.PoolEvent,
	writer EventWriter,
	resendInterval time.Duration,
) *SenderController {
	return &SenderController{
		events:      eventCh,
		writer:      writer,
		ttlTicker:   time.NewTicker(resendInterval),
		unsentGuard: &sync.Mutex{},
		unsent:      make([]models.PoolEvent, 0),
	}
}

type SenderController struct {
	events      chan models.PoolEvent
	writer      EventWriter
	ttlTicker   *time.Ticker
	unsentGuard *sync.Mutex
	unsent      []models.PoolEvent
}

func (c *SenderController) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.ttlTicker.C:
			if !ok {
				return
			}
			c.sendUnsentEvents(ctx)
		case event, ok := <-c.events:
			if !ok {
				return
			}
			err := retry.Do(
				func() error {
					return c.send(ctx, event)
				},
				retry.Attempts(3),
				retry.Context(ctx),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed to publish pool event, put it into unsent queue")
				c.unsentGuard.Lock()
				c.unsent = append(c.unsent, event)
				c.unsentGuard.Unlock()
			}
		}
	}
}

func (c *SenderController) send(ctx context.Context, events ...models.PoolEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode pool event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(event.Site),
			Value: payload,
		})
	}
	return c.writer.WriteMessages(ctx, msgs...)
}

func (c *SenderController) sendUnsentEvents(ctx context.Context) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()

	if len(c.unsent) == 0 {
		return
	}
	err := c.send(ctx, c.unsent...)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to flush %d unsent events", len(c.unsent))
		return
	}
	c.unsent = c.unsent[:0]
}
