package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/production/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Workflow event types consumed by the notification layer.
const (
	EventEditRequestCreated  = "edit_request.created"
	EventEditRequestResolved = "edit_request.resolved"
)

// Event is one workflow notification. "created" events are consumed by
// privileged reviewers, "resolved" events by the original requester; the
// delivery mechanism behind the queue is not this service's concern.
type Event struct {
	Type        string    `json:"type"`
	RequestID   string    `json:"request_id"`
	RequestType string    `json:"request_type"`
	OrderID     string    `json:"order_id"`
	OperationID string    `json:"operation_id"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requested_by"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher is the event sink for workflow notifications.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// serviceBusPublisher sends events to an Azure Service Bus queue.
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewPublisher creates an event publisher. Without a connection string it
// returns a log-only publisher so the service keeps running in
// environments that have no queue.
func NewPublisher(cfg config.AzureConfig) (Publisher, error) {
	if cfg.QueueConnStr == "" {
		log.Warn().Msg("Azure Service Bus connection string not provided, workflow events will only be logged")
		return &logPublisher{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// Publish sends one event to the queue
func (p *serviceBusPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal workflow event")
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"type": event.Type,
			"time": event.OccurredAt.Format(time.RFC3339),
		},
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send workflow event")
	}
	return nil
}

// Close closes the sender and the client
func (p *serviceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}

// logPublisher writes events to the log instead of a queue.
type logPublisher struct{}

// NewLogPublisher returns a publisher that only logs. Used in tests and
// queue-less environments.
func NewLogPublisher() Publisher {
	return &logPublisher{}
}

func (p *logPublisher) Publish(_ context.Context, event Event) error {
	log.Info().
		Str("event", event.Type).
		Str("request_id", event.RequestID).
		Str("status", event.Status).
		Msg("Workflow event")
	return nil
}

func (p *logPublisher) Close() error { return nil }
