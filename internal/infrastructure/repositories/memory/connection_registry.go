package memory

import (
	"context"
	"fmt"
	"sync"

	"streamcast/internal/core/domain"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RemovalHook is called after a connection is dropped because delivery to it
// failed.
type RemovalHook func(conn *domain.PeerConnection, cause error)

// MemoryConnectionRegistry is a copy-on-write set of live connections.
// Writers serialize on mu and publish a fresh snapshot; readers iterate the
// published snapshot without locking, so no lock is held across a send.
type MemoryConnectionRegistry struct {
	mu       sync.Mutex
	byID     map[domain.ConnectionID]*domain.PeerConnection
	snapshot atomic.Pointer[[]*domain.PeerConnection]

	onRemove RemovalHook
	logger   *zap.SugaredLogger
}

func NewMemoryConnectionRegistry(logger *zap.SugaredLogger) *MemoryConnectionRegistry {
	r := &MemoryConnectionRegistry{
		byID:   make(map[domain.ConnectionID]*domain.PeerConnection),
		logger: logger,
	}
	empty := []*domain.PeerConnection{}
	r.snapshot.Store(&empty)
	return r
}

// OnRemove sets the hook invoked when a failed delivery drops a connection.
func (r *MemoryConnectionRegistry) OnRemove(fn RemovalHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

func (r *MemoryConnectionRegistry) Register(conn *domain.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[conn.ID] = conn
	r.publishLocked()
}

// Unregister removes the connection and reports whether it was present.
// Removing an absent connection is a no-op.
func (r *MemoryConnectionRegistry) Unregister(id domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; !exists {
		return false
	}
	delete(r.byID, id)
	r.publishLocked()
	return true
}

func (r *MemoryConnectionRegistry) Get(id domain.ConnectionID) (*domain.PeerConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.byID[id]
	return conn, exists
}

func (r *MemoryConnectionRegistry) Len() int {
	return len(r.Snapshot())
}

func (r *MemoryConnectionRegistry) IsEmpty() bool {
	return r.Len() == 0
}

// Snapshot returns the current membership. The slice is shared and must not
// be modified.
func (r *MemoryConnectionRegistry) Snapshot() []*domain.PeerConnection {
	return *r.snapshot.Load()
}

func (r *MemoryConnectionRegistry) ForEachOpenUnpaused(
	ctx context.Context,
	fn func(ctx context.Context, conn *domain.PeerConnection) error,
) int {
	return r.fanOut(ctx, false, fn)
}

// ForEachOpen is ForEachOpenUnpaused including flow-paused connections.
func (r *MemoryConnectionRegistry) ForEachOpen(
	ctx context.Context,
	fn func(ctx context.Context, conn *domain.PeerConnection) error,
) int {
	return r.fanOut(ctx, true, fn)
}

func (r *MemoryConnectionRegistry) fanOut(
	ctx context.Context,
	includePaused bool,
	fn func(ctx context.Context, conn *domain.PeerConnection) error,
) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)

	for _, conn := range r.Snapshot() {
		if !conn.IsOpen() || (conn.IsPaused() && !includePaused) {
			continue
		}

		wg.Add(1)
		go func(conn *domain.PeerConnection) {
			defer wg.Done()

			if err := invoke(ctx, conn, fn); err != nil {
				r.drop(conn, err)
				return
			}
			delivered.Inc()
		}(conn)
	}

	wg.Wait()
	return int(delivered.Load())
}

// CountLagging returns how many registered connections reported lag at least
// once.
func (r *MemoryConnectionRegistry) CountLagging() int {
	lagging := 0
	for _, conn := range r.Snapshot() {
		if conn.LagReports() > 0 {
			lagging++
		}
	}
	return lagging
}

// CloseAll empties the registry and closes every connection that was in it.
func (r *MemoryConnectionRegistry) CloseAll() int {
	r.mu.Lock()
	conns := *r.snapshot.Load()
	r.byID = make(map[domain.ConnectionID]*domain.PeerConnection)
	r.publishLocked()
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			r.logger.Debugw("error closing connection", "connection_id", conn.ID, "error", err)
		}
	}
	return len(conns)
}

func (r *MemoryConnectionRegistry) drop(conn *domain.PeerConnection, cause error) {
	if !r.Unregister(conn.ID) {
		return
	}
	if err := conn.Close(); err != nil {
		r.logger.Debugw("error closing failed connection", "connection_id", conn.ID, "error", err)
	}

	r.logger.Infow("connection removed after delivery failure",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr(),
		"error", cause,
	)

	r.mu.Lock()
	hook := r.onRemove
	r.mu.Unlock()
	if hook != nil {
		hook(conn, cause)
	}
}

func (r *MemoryConnectionRegistry) publishLocked() {
	conns := make([]*domain.PeerConnection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.snapshot.Store(&conns)
}

func invoke(
	ctx context.Context,
	conn *domain.PeerConnection,
	fn func(ctx context.Context, conn *domain.PeerConnection) error,
) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic delivering to connection %s: %v", conn.ID, p)
		}
	}()
	return fn(ctx, conn)
}
