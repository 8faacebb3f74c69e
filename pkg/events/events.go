// Package events fans run lifecycle and progress updates out to observers.
// The engine publishes; the API layer's websocket handlers subscribe.
package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/models"
)

// Type identifies what an Event describes.
type Type string

const (
	TypeRunStarted        Type = "run-started"
	TypeRunProgress       Type = "run-progress"
	TypeRunFinished       Type = "run-finished"
	TypeDestinationStatus Type = "destination-status"
	TypeConflictDetected  Type = "conflict-detected"
)

// Event is one update about a run. Fields beyond Type, JobID, and RunID are
// populated per type.
type Event struct {
	Type  Type      `json:"type"`
	JobID string    `json:"jobId"`
	RunID string    `json:"runId"`
	Time  time.Time `json:"time"`

	// Progress accompanies run-progress events.
	Progress *Progress `json:"progress,omitempty"`

	// Destination and Status accompany destination-status events. Status
	// is "syncing", "done", or "unreachable".
	Destination string `json:"destination,omitempty"`
	Status      string `json:"status,omitempty"`

	// RunStatus accompanies run-finished events.
	RunStatus models.RunStatus `json:"runStatus,omitempty"`

	// Path accompanies conflict-detected events.
	Path string `json:"path,omitempty"`

	Error string `json:"error,omitempty"`
}

// Progress is a snapshot of a run's counters plus a completion estimate.
type Progress struct {
	FilesTransferred int64 `json:"filesTransferred"`
	BytesTransferred int64 `json:"bytesTransferred"`
	FilesSkipped     int64 `json:"filesSkipped"`
	Conflicts        int64 `json:"conflicts"`

	// Percent is 0-100, derived from planned vs completed operations. -1
	// when the total isn't known yet.
	Percent int `json:"percent"`
}

// subscriberBuffer bounds how far a slow subscriber can fall behind before
// updates are dropped for it.
const subscriberBuffer = 64

// Publisher delivers events to any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses that event.
type Publisher struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{subs: map[chan Event]struct{}{}}
}

// Subscribe registers a new observer and returns its channel.
func (p *Publisher) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (p *Publisher) Unsubscribe(ch chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subs[ch]; ok {
		delete(p.subs, ch)
		close(ch)
	}
}

// Publish stamps the event and delivers it to every subscriber that has
// room for it.
func (p *Publisher) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for ch := range p.subs {
		select {
		case ch <- event:
		default:
			log.WithField("type", event.Type).
				Debug("Dropped event for slow subscriber")
		}
	}
}
