package domain

// MessageBus carries human input from channels to the scheduler.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
