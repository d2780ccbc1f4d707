// Package netstate carries the connectivity signal collaborators feed into the
// engine: online/offline transitions plus a coarse network-quality class. The
// engine subscribes to transitions to trigger queue drains and to scale
// response payloads.
package netstate

import (
	"strings"
	"sync"
)

// Class is a coarse network-quality classification.
type Class string

const (
	ClassUnknown Class = "unknown"
	ClassPoor    Class = "poor"
	ClassMedium  Class = "medium"
	ClassGood    Class = "good"
)

// ParseClass maps a reported quality string onto a Class, defaulting to unknown.
func ParseClass(s string) Class {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poor", "2g", "slow-2g":
		return ClassPoor
	case "medium", "3g":
		return ClassMedium
	case "good", "4g", "5g", "wifi":
		return ClassGood
	default:
		return ClassUnknown
	}
}

// Status is a point-in-time connectivity snapshot.
type Status struct {
	Online bool
	Class  Class
}

// Source is the collaborator interface the engine consumes.
type Source interface {
	// Current returns the latest known status.
	Current() Status
	// Subscribe registers fn for future transitions and returns a cancel func.
	// fn is invoked synchronously from Set; subscribers must not block.
	Subscribe(fn func(Status)) (cancel func())
}

// Feed is the in-process Source implementation. Platform code pushes
// transitions in via Set; the engine and tests read them out.
type Feed struct {
	mu   sync.RWMutex
	cur  Status
	subs map[int]func(Status)
	next int
}

// NewFeed creates a feed with the given initial status.
func NewFeed(initial Status) *Feed {
	return &Feed{cur: initial, subs: make(map[int]func(Status))}
}

// Current returns the latest status.
func (f *Feed) Current() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cur
}

// Set records a transition and notifies subscribers if the status changed.
// Notification happens outside the lock on a snapshot copy so a slow
// subscriber cannot wedge concurrent Current calls.
func (f *Feed) Set(s Status) {
	f.mu.Lock()
	if f.cur == s {
		f.mu.Unlock()
		return
	}
	f.cur = s
	fns := make([]func(Status), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Subscribe registers fn until the returned cancel func is called.
func (f *Feed) Subscribe(fn func(Status)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}
