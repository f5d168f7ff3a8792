// Package notify delivers live job progress events to authorized
// subscribers over an in-process pub/sub hub.
package notify

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/model"
)

// ErrUnauthorized is returned when a subscription token is not recognized.
var ErrUnauthorized = eris.New("notify: unauthorized subscriber")

// Event is one progress update for a job. Terminal events carry the final
// status; intermediate events carry the running milestone.
type Event struct {
	JobID    string          `json:"job_id"`
	Status   model.JobStatus `json:"status"`
	Progress model.Progress  `json:"progress"`
	Cause    string          `json:"failure_cause,omitempty"`
	At       time.Time       `json:"at"`
}

// Terminal reports whether this is the last event the job will publish.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// Notifier fans job events out to per-job subscribers. Publishing never
// blocks the pipeline: slow subscribers drop events once their buffer
// fills, but always receive the terminal event via channel close.
type Notifier struct {
	tokens     []string
	bufferSize int

	mu   sync.RWMutex
	subs map[string][]*subscription
}

type subscription struct {
	ch     chan Event
	closed bool
}

// New creates a notifier. Tokens authorize Subscribe calls; an empty token
// list rejects all subscriptions.
func New(tokens []string, bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{
		tokens:     tokens,
		bufferSize: bufferSize,
		subs:       make(map[string][]*subscription),
	}
}

// Subscribe registers for events about one job. The returned channel is
// closed after the terminal event. Unknown tokens get ErrUnauthorized.
func (n *Notifier) Subscribe(jobID, token string) (<-chan Event, error) {
	if !n.authorized(token) {
		return nil, ErrUnauthorized
	}

	sub := &subscription{ch: make(chan Event, n.bufferSize)}
	n.mu.Lock()
	n.subs[jobID] = append(n.subs[jobID], sub)
	n.mu.Unlock()
	return sub.ch, nil
}

// Unsubscribe drops a previously returned channel and closes it.
func (n *Notifier) Unsubscribe(jobID string, ch <-chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[jobID]
	for i, sub := range subs {
		if sub.ch == ch {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
			n.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subs[jobID]) == 0 {
		delete(n.subs, jobID)
	}
}

// Publish delivers an event to every subscriber of the job, in publish
// order per subscriber. Terminal events close all subscriber channels and
// release the job's subscription list.
func (n *Notifier) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subs[event.JobID]
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			zap.L().Debug("notify: subscriber buffer full, dropping event",
				zap.String("job_id", event.JobID),
				zap.Int("percent", event.Progress.Percent),
			)
		}
	}

	if event.Terminal() {
		for _, sub := range subs {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
		}
		delete(n.subs, event.JobID)
	}
}

// SubscriberCount reports active subscriptions for a job.
func (n *Notifier) SubscriberCount(jobID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[jobID])
}

func (n *Notifier) authorized(token string) bool {
	for _, t := range n.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
