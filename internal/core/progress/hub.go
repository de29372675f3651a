// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package progress fans pipeline events out to interested parties.
//
// Delivery is best effort. Stream subscribers (WebSocket clients) get a
// bounded buffer and lose events when they fall behind; listeners are called
// inline by the publisher and see every event published in this process.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// DefaultBuffer is the channel size of a subscription.
const DefaultBuffer = 64

// Publisher accepts progress events.
type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Listener is called synchronously for every event published on a Hub.
type Listener func(ctx context.Context, e model.Event)

// Subscription is a stream of events for one video, or for all videos.
type Subscription struct {
	C <-chan model.Event

	ch      chan model.Event
	hub     *Hub
	videoID string
	once    sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub is the in-process event bus. There is one topic per video id plus an
// all-videos feed.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[*Subscription]struct{}
	all       map[*Subscription]struct{}
	listeners map[int]Listener
	nextID    int
	buffer    int
	dropped   atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics:    make(map[string]map[*Subscription]struct{}),
		all:       make(map[*Subscription]struct{}),
		listeners: make(map[int]Listener),
		buffer:    buffer,
	}
}

// Subscribe opens a stream of the events of one video.
func (h *Hub) Subscribe(videoID string) *Subscription {
	ch := make(chan model.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, videoID: videoID}

	h.mu.Lock()
	defer h.mu.Unlock()
	topic, ok := h.topics[videoID]
	if !ok {
		topic = make(map[*Subscription]struct{})
		h.topics[videoID] = topic
	}
	topic[sub] = struct{}{}
	return sub
}

// SubscribeAll opens a stream of every event.
func (h *Hub) SubscribeAll() *Subscription {
	ch := make(chan model.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[sub] = struct{}{}
	return sub
}

// Listen registers fn for every event. Listeners must not block for long;
// they run on the publisher's goroutine. The returned func unregisters fn.
func (h *Hub) Listen(fn Listener) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Publish delivers e to every matching subscriber without blocking, then
// invokes the listeners. It never fails.
func (h *Hub) Publish(ctx context.Context, e model.Event) error {
	h.mu.RLock()
	for sub := range h.topics[e.VideoID] {
		h.offer(ctx, sub, e)
	}
	for sub := range h.all {
		h.offer(ctx, sub, e)
	}
	listeners := make([]Listener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	h.mu.RUnlock()

	// Outside the lock: listeners may publish in turn.
	for _, fn := range listeners {
		fn(ctx, e)
	}
	return nil
}

// Dropped is the number of events lost to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers is the number of open subscriptions for a video.
func (h *Hub) Subscribers(videoID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[videoID])
}

func (h *Hub) offer(ctx context.Context, sub *Subscription, e model.Event) {
	select {
	case sub.ch <- e:
	default:
		h.dropped.Add(1)
		slog.DebugContext(ctx, "dropping progress event for slow subscriber",
			"video_id", e.VideoID, "step", e.Step, "status", e.Status)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.videoID == "" {
		delete(h.all, sub)
	} else if topic, ok := h.topics[sub.videoID]; ok {
		delete(topic, sub)
		if len(topic) == 0 {
			delete(h.topics, sub.videoID)
		}
	}
	close(sub.ch)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, model.Event) error { return nil }
