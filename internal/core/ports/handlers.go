package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

// ConnectionHandler receives the events of one connection's inbound loop.
// All calls for a given connection come from a single goroutine.
type ConnectionHandler interface {
	HandleConnect(ctx context.Context, conn *domain.PeerConnection) error
	HandleText(ctx context.Context, conn *domain.PeerConnection, text string)
	HandleBinary(ctx context.Context, conn *domain.PeerConnection, data []byte)
	HandleDisconnect(ctx context.Context, conn *domain.PeerConnection, cause error)
}
