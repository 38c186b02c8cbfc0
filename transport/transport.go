// Package transport defines the connection surface the connection manager
// consumes. The wire protocol lives behind these interfaces; the core never
// sees it.
package transport

import (
	"context"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
)

// Settings parameterize a transport session.
type Settings struct {
	// ConversationID resumes an existing conversation when set.
	ConversationID string

	// Watermark is the last acknowledged inbound cursor; the transport
	// resumes delivery after it.
	Watermark string

	// OnWatermark is invoked whenever the server acknowledges a new
	// watermark. May be nil.
	OnWatermark func(watermark string)
}

// Conn is a live transport connection.
type Conn interface {
	// Send posts an outbound activity.
	Send(ctx context.Context, act activity.Activity) error

	// Activities is the inbound stream. The channel closes when the
	// connection ends.
	Activities() <-chan activity.Activity

	// End tears the connection down and closes the inbound stream.
	End() error
}

// Provider opens connections from a transport token.
type Provider interface {
	Open(ctx context.Context, token string, settings Settings) (Conn, error)
}
