package controller

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/recorder"
)

// State is the externally visible controller state.
type State int

const (
	Idle      State = iota // not armed
	Watching               // armed, no person in view
	Capturing              // armed and recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a consistent view of the controller for the UI.
type Snapshot struct {
	State        State  `json:"state"`
	Armed        bool   `json:"armed"`
	Recording    bool   `json:"recording"`
	StartEnabled bool   `json:"start_enabled"`
	StopEnabled  bool   `json:"stop_enabled"`
	Ready        bool   `json:"ready"`
	Starting     bool   `json:"starting"`
	InitError    string `json:"init_error,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Records      int    `json:"records"`

	// Capture is set while Capturing.
	Capture *recorder.Status `json:"capture,omitempty"`
}

// State returns the current snapshot.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Armed:        c.armed,
		Recording:    c.recording,
		StartEnabled: c.ready && !c.armed,
		StopEnabled:  c.armed,
		Ready:        c.ready,
		Starting:     !c.ready && c.initErr == nil && c.lastErr == nil,
		Records:      c.records.Len(),
	}
	switch {
	case c.recording:
		s.State = Capturing
		if c.recorder != nil {
			st := c.recorder.Status()
			s.Capture = &st
		}
	case c.armed:
		s.State = Watching
	default:
		s.State = Idle
	}
	if c.initErr != nil {
		s.InitError = c.initErr.Error()
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Subscribe registers for a snapshot after every state change. The channel
// holds only the newest snapshot when the reader falls behind.
func (c *Controller) Subscribe() (int, <-chan Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	id := c.nextID
	c.nextID++
	c.listeners[id] = ch
	ch <- c.snapshotLocked()
	logger.Debug("Controller", "Listener #%d added (total: %d)", id, len(c.listeners))
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (c *Controller) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.listeners[id]; ok {
		close(ch)
		delete(c.listeners, id)
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshotLocked()
	if c.metrics != nil {
		c.metrics.SetState(snap.Armed, snap.Recording, snap.Records)
	}
	for _, ch := range c.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
