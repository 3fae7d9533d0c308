// Package realtimetest provides a recording Publisher for tests.
package realtimetest

import (
	"context"
	"sync"
	"time"

	"deskbot/internal/realtime"
)

type Recorder struct {
	mu     sync.Mutex
	events []realtime.Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, topic, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, realtime.Event{Topic: topic, Name: event, Time: time.Now(), Payload: payload})
	return r.Err
}

func (r *Recorder) Events() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

// On returns the events published to topic with the given name.
func (r *Recorder) On(topic, event string) []realtime.Event {
	var out []realtime.Event
	for _, e := range r.Events() {
		if e.Topic == topic && e.Name == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
