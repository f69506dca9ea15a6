// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: events-hub-v1-kb-fanout

// Package events fans sync notifications out to websocket clients and
// in-process subscribers.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

const hubRevision = "events-hub-v1-kb-fanout"

func init() {
	log.Printf("[events] REVISION: %s loaded at %s", hubRevision, time.Now().Format(time.RFC3339))
}

// Publisher accepts events for delivery. Publish never blocks.
type Publisher interface {
	Publish(ev model.Event)
}

// subscriber receives events for one knowledge base, or all of them when
// knowledgeID is empty. Exactly one of out and events is set.
type subscriber struct {
	mu          sync.Mutex
	knowledgeID string
	out         chan []byte
	events      chan model.Event
}

func (s *subscriber) wants(kb string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knowledgeID == "" || s.knowledgeID == kb
}

func (s *subscriber) setFilter(kb string) {
	s.mu.Lock()
	s.knowledgeID = kb
	s.mu.Unlock()
}

// Hub tracks subscribers and broadcasts to them. A slow subscriber drops
// events rather than stalling the publisher; clients recover through the
// status poll.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]bool
	stopped bool

	register   chan *subscriber
	unregister chan *subscriber
	stop       chan struct{}
	done       chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[*subscriber]bool),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until Stop is called.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub] = true
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if h.subs[sub] {
				delete(h.subs, sub)
				closeSub(sub)
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			h.stopped = true
			for sub := range h.subs {
				closeSub(sub)
				delete(h.subs, sub)
			}
			h.mu.Unlock()
			return
		}
	}
}

func closeSub(sub *subscriber) {
	if sub.out != nil {
		close(sub.out)
	}
	if sub.events != nil {
		close(sub.events)
	}
}

// Stop shuts the hub down and closes every subscriber channel.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
		return
	default:
	}
	close(h.stop)
	<-h.done
}

// Publish encodes ev once and delivers it to every interested subscriber.
func (h *Hub) Publish(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[events] dropping unencodable %s event: %v", ev.Type, err)
		return
	}
	kb := ev.KnowledgeID()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(kb) {
			continue
		}
		if sub.out != nil {
			select {
			case sub.out <- data:
			default:
			}
			continue
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events for knowledgeID (all when empty) and
// a cancel func. The channel is closed on cancel or hub shutdown.
func (h *Hub) Subscribe(knowledgeID string) (<-chan model.Event, func()) {
	sub := &subscriber{knowledgeID: knowledgeID, events: make(chan model.Event, 64)}
	if !h.add(sub) {
		close(sub.events)
		return sub.events, func() {}
	}
	var once sync.Once
	return sub.events, func() { once.Do(func() { h.remove(sub) }) }
}

func (h *Hub) add(sub *subscriber) bool {
	select {
	case h.register <- sub:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) remove(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.stop:
	}
}

// ClientCount returns the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
