package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	receiveBatchSize   = 10
	processConcurrency = 8
)

// ServiceBus wraps the Azure Service Bus client with a sender for publish
// and a receive loop for consumption. Abandoned messages are redelivered by
// the broker, which is the pipeline's retry path.
type ServiceBus struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// MessageHandler processes one queue message body. A returned error causes
// the message to be abandoned for redelivery; nil completes it.
type MessageHandler func(ctx context.Context, body []byte) error

// NewServiceBus creates a new Service Bus client and sender for the queue.
func NewServiceBus(cfg config.AzureConfig) (*ServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &ServiceBus{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// Publish sends a message to the queue.
func (s *ServiceBus) Publish(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": "orders",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	return s.sender.SendMessage(ctx, msg, nil)
}

// ProcessMessages receives from the queue until ctx is cancelled. Batches
// are handled with bounded concurrency; per-key ordering is the
// responsibility of the keyed actors downstream, not of this loop.
func (s *ServiceBus) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus receiver")
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		messages, err := receiver.ReceiveMessages(ctx, receiveBatchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Error receiving messages, retrying")
			time.Sleep(2 * time.Second)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(processConcurrency)
		for _, message := range messages {
			message := message
			g.Go(func() error {
				if err := handler(gctx, message.Body); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
					if err := receiver.AbandonMessage(gctx, message, nil); err != nil {
						log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
					}
					return nil
				}

				if err := receiver.CompleteMessage(gctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// Close closes the sender and the underlying client.
func (s *ServiceBus) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}
