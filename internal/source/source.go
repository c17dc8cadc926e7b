package source

import "context"

// Message is one record delivered by a Source.
type Message struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Topic         string
	Partition     int32
	Offset        int64
	CorrelationID string
}

// Handler processes a single message. Sources call it sequentially, in
// partition order, and never concurrently.
type Handler func(context.Context, Message) error

// Source consumes messages from a transport.
type Source interface {
	// Connect establishes the transport session.
	Connect(ctx context.Context) error

	// Subscribe registers interest in topic.
	Subscribe(ctx context.Context, topic string) error

	// Start delivers messages to handler until ctx is cancelled or the
	// transport fails. The offset of each message is committed once the
	// handler returns, whatever it returned, except when the handler fails
	// because ctx was cancelled.
	Start(ctx context.Context, handler Handler) error

	// Close performs graceful shutdown.
	Close() error
}
