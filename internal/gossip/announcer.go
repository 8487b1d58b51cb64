// Package gossip implements fire-and-forget announce fanout: after a
// successful replication or signed-refs update, announce a
// (URN, revision) pair to every interested subscriber except the peer
// that triggered the update. Announces are peer-to-peer gossip, not
// durable broker delivery; a subscriber that is not registered when an
// announce fires never sees it.
package gossip

import (
	"context"
	"sync"

	"github.com/emberlink/ember/internal/refdb"
)

// Announce is a single gossip event: "this peer now has <Rev> for
// <URN>", optionally attributing the origin peer it first heard it
// from.
type Announce struct {
	URN    refdb.URN
	Rev    refdb.Oid
	Origin *refdb.PeerID
}

// Announcer broadcasts Announce events to registered subscribers,
// excluding one peer (the requester that triggered the replication
// this announce resulted from).
type Announcer interface {
	// Publish fans Announce out to every subscriber except excluded.
	// It never returns an error: announces are fire-and-forget. Fanout
	// delivers to each subscriber synchronously, so a slow subscriber
	// delays Publish.
	Publish(ctx context.Context, a Announce, excluded refdb.PeerID)
}

// Subscriber receives gossip announces. Handlers that panic are
// recovered and do not affect delivery to other subscribers.
type Subscriber interface {
	// ID identifies this subscriber so Publish can exclude it from its
	// own announces (a peer never gossips to the peer it heard from).
	ID() refdb.PeerID
	Notify(ctx context.Context, a Announce)
}

// Fanout is the in-process Announcer implementation this module ships.
// It has no durable-broker half: subscribers only see announces while
// registered.
type Fanout struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewFanout creates an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Subscribe registers s to receive future announces. It returns an
// unsubscribe function.
func (f *Fanout) Subscribe(s Subscriber) (unsubscribe func()) {
	f.mu.Lock()
	f.subscribers = append(f.subscribers, s)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, sub := range f.subscribers {
			if sub == s {
				f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Publish notifies every subscriber but excluded, synchronously and in
// subscription order. A panicking subscriber is recovered and does not
// prevent delivery to the remaining subscribers.
func (f *Fanout) Publish(ctx context.Context, a Announce, excluded refdb.PeerID) {
	f.mu.RLock()
	subs := make([]Subscriber, len(f.subscribers))
	copy(subs, f.subscribers)
	f.mu.RUnlock()

	for _, sub := range subs {
		if sub.ID().Equal(excluded) {
			continue
		}
		notifyOne(ctx, sub, a)
	}
}

func notifyOne(ctx context.Context, sub Subscriber, a Announce) {
	defer func() { _ = recover() }()
	sub.Notify(ctx, a)
}
