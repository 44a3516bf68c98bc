package pubsub

import "context"

// Disposition tells a broker ingress loop what to do with a message after
// its listeners ran.
type Disposition int

const (
	// Acknowledge: every matching listener succeeded.
	Acknowledge Disposition = iota
	// Redeliver: a listener failed and the message has attempts left.
	Redeliver
	// Discard: a listener rejected the message or its attempts are spent.
	Discard
)

func (d Disposition) String() string {
	switch d {
	case Acknowledge:
		return "ack"
	case Redeliver:
		return "redeliver"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Receive delivers a message taken off the transport to the matching
// subscriptions. Listeners run with a context detached from ctx's
// cancellation so that Stop lets in-flight calls finish.
//
// The message is redelivered while msg.Attempt() <= MaxDeliveryRetries.
// Broker ingress never writes the dead letter queue; discarded messages
// are logged and counted as dead-lettered.
func (c *Core) Receive(ctx context.Context, msg Message) (Disposition, error) {
	err := c.Deliver(context.WithoutCancel(ctx), msg)
	if err == nil {
		return Acknowledge, nil
	}

	topic := c.settings.Topic
	switch {
	case IsPermanent(err):
		c.settings.Metrics.RecordDelivery(ctx, topic, OutcomeDeadLettered)
		c.logger.Error("discarding rejected message",
			"event", msg.EventName(),
			"msg_id", msg.ID(),
			"attempt", msg.Attempt(),
			"error", err)
		return Discard, err
	case msg.Attempt() > c.settings.MaxDeliveryRetries:
		c.settings.Metrics.RecordDelivery(ctx, topic, OutcomeDeadLettered)
		c.logger.Error("discarding message after retries",
			"event", msg.EventName(),
			"msg_id", msg.ID(),
			"attempt", msg.Attempt(),
			"max_delivery_retries", c.settings.MaxDeliveryRetries,
			"error", err)
		return Discard, err
	}

	c.settings.Metrics.RecordDelivery(ctx, topic, OutcomeRetried)
	c.logger.Warn("listener failed, message will be redelivered",
		"event", msg.EventName(),
		"msg_id", msg.ID(),
		"attempt", msg.Attempt(),
		"error", err)
	return Redeliver, err
}
