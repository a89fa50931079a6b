package realtime

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// Namespaces holds one independent broadcaster per application.
type Namespaces struct {
	byName map[string]*Broadcaster
	logger *slog.Logger
}

// NewNamespaces creates a broadcaster for each name.
func NewNamespaces(names []string, cfg Config, authorizer ports.RoomAuthorizer, logger *slog.Logger) (*Namespaces, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one namespace is required")
	}

	ns := &Namespaces{
		byName: make(map[string]*Broadcaster, len(names)),
		logger: logger.With("component", "namespaces"),
	}
	for _, name := range names {
		if err := domain.ValidateAreaName(name); err != nil {
			return nil, fmt.Errorf("namespace %q: %w", name, err)
		}
		if _, dup := ns.byName[name]; dup {
			return nil, fmt.Errorf("namespace %q configured twice", name)
		}
		ns.byName[name] = NewBroadcaster(name, cfg, authorizer, logger)
	}
	return ns, nil
}

// Get returns the broadcaster for name.
func (n *Namespaces) Get(name string) (*Broadcaster, error) {
	b, ok := n.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownNamespace, name)
	}
	return b, nil
}

// Names returns the configured namespaces in sorted order.
func (n *Namespaces) Names() []string {
	names := make([]string, 0, len(n.byName))
	for name := range n.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublishAll publishes the same event in every namespace.
func (n *Namespaces) PublishAll(room domain.RoomID, eventType domain.EventType, payload any) {
	event, err := domain.NewEvent(room, eventType, payload)
	if err != nil {
		n.logger.Error("failed to encode event", "room", room, "event_type", eventType, "error", err)
		return
	}
	for _, b := range n.byName {
		b.PublishEvent(event)
	}
}

// Stats returns per-namespace statistics.
func (n *Namespaces) Stats() map[string]Stats {
	out := make(map[string]Stats, len(n.byName))
	for name, b := range n.byName {
		out[name] = b.Stats()
	}
	return out
}

// Shutdown closes every connection in every namespace.
func (n *Namespaces) Shutdown() {
	for _, b := range n.byName {
		b.Shutdown()
	}
}
