// Package transporttest provides a scriptable in-memory Channel.
package transporttest

import (
	"context"
	"sync"
)

// Sent is one recorded outbound call.
type Sent struct {
	Method  string
	Target  string
	Text    string
	FileRef string
}

// Channel records every send. Failures are scripted per target: each call
// to that target pops the next error, and a nil entry means success.
type Channel struct {
	mu       sync.Mutex
	sent     []Sent
	attempts map[string]int
	script   map[string][]error

	// ConnErr is returned by Connectivity.
	ConnErr error
	// Always fails every send to the target, after the script runs out.
	Always map[string]error
}

func New() *Channel {
	return &Channel{attempts: map[string]int{}, script: map[string][]error{}, Always: map[string]error{}}
}

// Fail queues errs for the next sends to target.
func (c *Channel) Fail(target string, errs ...error) {
	c.mu.Lock()
	c.script[target] = append(c.script[target], errs...)
	c.mu.Unlock()
}

func (c *Channel) FailAlways(target string, err error) {
	c.mu.Lock()
	c.Always[target] = err
	c.mu.Unlock()
}

func (c *Channel) record(s Sent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[s.Target]++
	if q := c.script[s.Target]; len(q) > 0 {
		err := q[0]
		c.script[s.Target] = q[1:]
		if err != nil {
			return err
		}
	} else if err := c.Always[s.Target]; err != nil {
		return err
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *Channel) SendText(_ context.Context, target, text string) error {
	return c.record(Sent{Method: "text", Target: target, Text: text})
}

func (c *Channel) SendPhoto(_ context.Context, target, ref, caption string) error {
	return c.record(Sent{Method: "photo", Target: target, Text: caption, FileRef: ref})
}

func (c *Channel) SendDocument(_ context.Context, target, ref, caption string) error {
	return c.record(Sent{Method: "document", Target: target, Text: caption, FileRef: ref})
}

func (c *Channel) SendVideo(_ context.Context, target, ref, caption string) error {
	return c.record(Sent{Method: "video", Target: target, Text: caption, FileRef: ref})
}

func (c *Channel) Connectivity(context.Context) error { return c.ConnErr }

func (c *Channel) ResolveDownloadURL(_ context.Context, ref string) (string, error) {
	return "https://files.test/" + ref, nil
}

// Sent returns successful sends in order.
func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// To returns successful sends to target.
func (c *Channel) To(target string) []Sent {
	var out []Sent
	for _, s := range c.Sent() {
		if s.Target == target {
			out = append(out, s)
		}
	}
	return out
}

// Attempts counts every call to target, failed or not.
func (c *Channel) Attempts(target string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[target]
}
