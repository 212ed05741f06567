package session

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/comfyrt/pkg/ports"
	"go.uber.org/zap"
)

const storeTimeout = 2 * time.Second

// Identity owns the session identifier for one client instance
type Identity struct {
	instance string
	name     ports.KeyValueStore
	tab      ports.KeyValueStore
	logger   *zap.Logger

	mu        sync.RWMutex
	initialID string
	currentID string
}

// NewIdentity creates an identity for instance and reads the tab-scoped
// store once. Either store may be nil, which disables that half of the
// continuity.
func NewIdentity(ctx context.Context, instance string, name, tab ports.KeyValueStore, logger *zap.Logger) *Identity {
	if logger == nil {
		logger = zap.NewNop()
	}

	id := &Identity{
		instance: instance,
		name:     name,
		tab:      tab,
		logger:   logger,
	}
	id.initialID = id.read(ctx, tab, "tab")

	return id
}

// InitialID returns the identifier recovered at startup, or ""
func (i *Identity) InitialID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.initialID
}

// CurrentID returns the identifier most recently assigned by the server, or ""
func (i *Identity) CurrentID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.currentID
}

// ResumeID returns the identifier to present when (re)connecting, read
// from the page-scoped name.
func (i *Identity) ResumeID(ctx context.Context) string {
	return i.read(ctx, i.name, "name")
}

// Adopt records id as the current identifier and persists it to both
// stores. Adopting the current identifier again does nothing.
func (i *Identity) Adopt(ctx context.Context, id string) {
	if id == "" {
		return
	}

	i.mu.Lock()
	if i.currentID == id {
		i.mu.Unlock()
		return
	}
	previous := i.currentID
	i.currentID = id
	i.mu.Unlock()

	i.write(ctx, i.name, "name", id)
	i.write(ctx, i.tab, "tab", id)

	i.logger.Info("session identifier adopted",
		zap.String("instance", i.instance),
		zap.String("client_id", id),
		zap.String("previous", previous))
}

func (i *Identity) read(ctx context.Context, store ports.KeyValueStore, which string) string {
	if store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	v, ok, err := store.Get(ctx, i.instance)
	if err != nil {
		i.logger.Debug("session store unavailable",
			zap.String("store", which),
			zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (i *Identity) write(ctx context.Context, store ports.KeyValueStore, which, id string) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := store.Set(ctx, i.instance, id); err != nil {
		i.logger.Debug("failed to persist session identifier",
			zap.String("store", which),
			zap.Error(err))
	}
}
