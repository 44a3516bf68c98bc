package pubsub

// Message is the transport envelope handed to listeners. Each adapter has
// its own concrete type and Ack only accepts that type.
type Message interface {
	// ID is the event id carried from the outbox.
	ID() string
	EventName() string
	Version() DomainModelVersion
	// Payload is the JSON payload.
	Payload() []byte
	// Attempt is the delivery attempt, starting at 1.
	Attempt() int
}

// BaseMessage holds the fields common to every adapter message type.
// Adapters embed it in their own message types.
type BaseMessage struct {
	MsgID      string
	Name       string
	MsgVersion DomainModelVersion
	Data       []byte
	Attempts   int
}

func (m *BaseMessage) ID() string                  { return m.MsgID }
func (m *BaseMessage) EventName() string           { return m.Name }
func (m *BaseMessage) Version() DomainModelVersion { return m.MsgVersion }
func (m *BaseMessage) Payload() []byte             { return m.Data }

func (m *BaseMessage) Attempt() int {
	if m.Attempts < 1 {
		return 1
	}
	return m.Attempts
}

// MessageFromEvent fills a BaseMessage from an outbox event.
func MessageFromEvent(ev *OutboxEvent) BaseMessage {
	return BaseMessage{
		MsgID:      ev.EventID,
		Name:       ev.EventName,
		MsgVersion: ev.DomainModelVersion,
		Data:       ev.JSONPayload,
		Attempts:   ev.RetryCount + 1,
	}
}
