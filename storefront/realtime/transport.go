package realtime

import (
	"context"
	"net/http"
)

// ChannelTransport opens duplex channels. WebSocketTransport is the production
// implementation; realtimetest.ScriptedTransport drives tests.
type ChannelTransport interface {
	// Connect establishes a channel to endpoint. header carries the Authorization
	// header when a credential is available. Connect must honour ctx.
	Connect(ctx context.Context, endpoint string, header http.Header) (Channel, error)
}

// Channel is one established duplex connection.
type Channel interface {
	// Listen starts delivering inbound traffic to h. It is called once, after the
	// manager has registered the channel, and must not block.
	Listen(h ChannelHandler)
	// Send writes one message.
	Send(msg Message) error
	// Close releases the channel. It is safe to call more than once.
	Close() error
}

// ChannelHandler receives inbound traffic from a Channel. Calls are sequential:
// HandleMessage in arrival order, then exactly one HandleClose.
type ChannelHandler interface {
	HandleMessage(msg Message)
	HandleClose(err error)
}
