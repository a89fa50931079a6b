package streamclient

import (
	"errors"
	"sync"
	"time"

	"github.com/lorrc/service-desk-realtime/pkg/debounce"
)

// Reactor runs refresh once after a burst of matching events settles. A
// dashboard listening for ticket_updated re-fetches once for a bulk
// reassignment instead of once per ticket.
type Reactor struct {
	client    *Client
	debouncer *debounce.Debouncer
	ids       []ListenerID
	closeOnce sync.Once
}

// NewReactor subscribes to types on client. refresh runs on its own
// goroutine, window after the last matching event.
func NewReactor(client *Client, window time.Duration, refresh func(), types ...string) (*Reactor, error) {
	if client == nil {
		return nil, errors.New("streamclient: nil client")
	}
	if len(types) == 0 {
		return nil, errors.New("streamclient: reactor needs at least one event type")
	}

	if refresh == nil {
		return nil, errors.New("streamclient: nil refresh")
	}
	d, err := debounce.New(window, func() { client.runRefresh(refresh) })
	if err != nil {
		return nil, err
	}
	if !d.InRecommendedRange() {
		client.logger.Warn("reactor window outside recommended range",
			"window", window,
			"min", debounce.MinRecommendedWindow,
			"max", debounce.MaxRecommendedWindow,
		)
	}

	r := &Reactor{client: client, debouncer: d}
	for _, t := range types {
		r.ids = append(r.ids, client.On(t, func(Event) { d.Trigger() }))
	}
	return r, nil
}

// Pending reports whether a refresh is scheduled.
func (r *Reactor) Pending() bool {
	return r.debouncer.Pending()
}

// Flush runs a scheduled refresh now.
func (r *Reactor) Flush() bool {
	return r.debouncer.Flush()
}

// Close unsubscribes and cancels any scheduled refresh.
func (r *Reactor) Close() {
	r.closeOnce.Do(func() {
		for _, id := range r.ids {
			r.client.Off(id)
		}
		r.debouncer.Stop()
	})
}

// runRefresh calls refresh, logging a panic instead of letting it take down
// the timer goroutine.
func (c *Client) runRefresh(refresh func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reactor refresh panicked", "panic", r)
		}
	}()
	refresh()
}
