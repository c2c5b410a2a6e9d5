package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

// ConnectionRegistry tracks the live set of peer connections.
type ConnectionRegistry interface {
	Register(conn *domain.PeerConnection)
	Unregister(id domain.ConnectionID) bool
	Get(id domain.ConnectionID) (*domain.PeerConnection, bool)
	Len() int
	IsEmpty() bool
	Snapshot() []*domain.PeerConnection
	// ForEachOpenUnpaused calls fn for every open, unpaused connection of the
	// current snapshot. A connection whose fn fails is unregistered and closed.
	// It returns the number of successful calls.
	ForEachOpenUnpaused(ctx context.Context, fn func(ctx context.Context, conn *domain.PeerConnection) error) int
	// ForEachOpen is like ForEachOpenUnpaused but includes paused connections.
	ForEachOpen(ctx context.Context, fn func(ctx context.Context, conn *domain.PeerConnection) error) int
	CountLagging() int
	CloseAll() int
}
