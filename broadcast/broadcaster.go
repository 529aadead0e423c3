// Package broadcast fans progress events out to live subscribers. Events are
// ephemeral: a bounded ring buffer per job serves late joiners, and a
// terminal-status cache answers subscribers that attach after the job is
// already done.
package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docpipe/docpipe/models"
)

// Options tunes the broadcaster. Zero values fall back to the defaults below.
type Options struct {
	RingSize           int           // events retained per job for replay
	QueueSize          int           // per-subscriber queue capacity
	EmitTimeout        time.Duration // max time to wait on one slow subscriber
	TerminalTTL        time.Duration // how long a terminal status outlives cleanup
	ReplayTail         int           // events replayed to a live subscriber
	TerminalReplayTail int           // events replayed before a synthesized terminal event
}

func (o Options) withDefaults() Options {
	if o.RingSize <= 0 {
		o.RingSize = 100
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 50
	}
	if o.EmitTimeout <= 0 {
		o.EmitTimeout = 500 * time.Millisecond
	}
	if o.TerminalTTL <= 0 {
		o.TerminalTTL = 5 * time.Minute
	}
	if o.ReplayTail <= 0 {
		o.ReplayTail = 10
	}
	if o.TerminalReplayTail <= 0 {
		o.TerminalReplayTail = 5
	}
	// A fresh subscription queues connected, the replay tail, and for a
	// finished job a synthesized terminal event plus stream_end. Clamp the
	// tails so that all fits in the queue and Subscribe never drops.
	maxTail := o.QueueSize - 3
	if maxTail < 0 {
		maxTail = 0
	}
	if o.ReplayTail > maxTail {
		o.ReplayTail = maxTail
	}
	if o.TerminalReplayTail > maxTail {
		o.TerminalReplayTail = maxTail
	}
	return o
}

// Subscription is one consumer's bounded event queue.
type Subscription struct {
	jobID string
	ch    chan models.ProgressEvent
	once  sync.Once
}

// Events returns the receive side of the subscription queue. The channel is
// closed when the subscriber is dropped, unsubscribed, or the job is cleaned up.
func (s *Subscription) Events() <-chan models.ProgressEvent {
	return s.ch
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type terminalEntry struct {
	typ models.EventType
	at  time.Time
}

// Broadcaster is an in-memory registry of per-job subscriber lists. It is
// created at process start and handed to the executor and HTTP layer; there
// is no package-level instance.
type Broadcaster struct {
	mu       sync.Mutex
	opts     Options
	subs     map[string][]*Subscription
	ring     map[string][]models.ProgressEvent
	finished map[string]terminalEntry
	now      func() time.Time
}

// New creates a broadcaster with the provided options.
func New(opts Options) *Broadcaster {
	return &Broadcaster{
		opts:     opts.withDefaults(),
		subs:     make(map[string][]*Subscription),
		ring:     make(map[string][]models.ProgressEvent),
		finished: make(map[string]terminalEntry),
		now:      time.Now,
	}
}

// Subscribe registers a bounded queue for a job's events. The first queued
// event is always a connected marker; if the job already reached a terminal
// state the tail of the ring buffer plus a synthesized terminal event follow,
// so a late subscriber still learns the outcome.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purgeExpiredLocked()

	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan models.ProgressEvent, b.opts.QueueSize),
	}

	final, done := b.finished[jobID]
	b.queue(sub, models.ProgressEvent{
		JobID:     jobID,
		Type:      models.EventConnected,
		Message:   "subscribed to job progress",
		Timestamp: b.now(),
		Data:      map[string]any{"already_finished": done},
	})

	if done {
		for _, ev := range tail(b.ring[jobID], b.opts.TerminalReplayTail) {
			b.queue(sub, ev)
		}
		b.queue(sub, models.ProgressEvent{
			JobID:     jobID,
			Type:      final.typ,
			Message:   "job " + string(final.typ),
			Timestamp: b.now(),
			Data:      map[string]any{"already_finished": true},
		})
		b.queue(sub, streamEnd(jobID, final.typ, b.now()))
	} else {
		for _, ev := range tail(b.ring[jobID], b.opts.ReplayTail) {
			b.queue(sub, ev)
		}
	}

	b.subs[jobID] = append(b.subs[jobID], sub)
	return sub
}

// Emit appends the event to the job's ring buffer and fans it out to every
// live subscriber. A subscriber that cannot accept the event within the emit
// timeout is dropped; emission never stalls on a slow consumer beyond that
// bound. Terminal events additionally record the job's final status and are
// followed by a synthetic stream_end event.
func (b *Broadcaster) Emit(jobID string, event models.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	event.JobID = jobID

	b.mu.Lock()
	b.purgeExpiredLocked()
	b.appendRingLocked(jobID, event)
	terminal := models.TerminalEvent(event.Type)
	if terminal {
		b.finished[jobID] = terminalEntry{typ: event.Type, at: b.now()}
	}
	targets := make([]*Subscription, len(b.subs[jobID]))
	copy(targets, b.subs[jobID])
	b.mu.Unlock()

	b.fanout(jobID, event, targets)

	if terminal {
		end := streamEnd(jobID, event.Type, b.now())
		b.mu.Lock()
		b.appendRingLocked(jobID, end)
		targets = make([]*Subscription, len(b.subs[jobID]))
		copy(targets, b.subs[jobID])
		b.mu.Unlock()
		b.fanout(jobID, end, targets)
	}
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
	sub.close()
}

// CleanupJob drops the job's ring buffer and closes all subscriber queues.
// The terminal-status cache entry is kept until its TTL expires so very late
// subscribers still get a correct answer.
func (b *Broadcaster) CleanupJob(jobID string) {
	b.mu.Lock()
	subs := b.subs[jobID]
	delete(b.subs, jobID)
	delete(b.ring, jobID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	log.Debug().Str("job_id", jobID).Int("subscribers", len(subs)).Msg("cleaned up job progress")
}

// SubscriberCount returns the number of live subscriptions for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func (b *Broadcaster) fanout(jobID string, event models.ProgressEvent, targets []*Subscription) {
	var dropped []*Subscription
	for _, sub := range targets {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		timer := time.NewTimer(b.opts.EmitTimeout)
		select {
		case sub.ch <- event:
			timer.Stop()
		case <-timer.C:
			dropped = append(dropped, sub)
		}
	}
	if len(dropped) == 0 {
		return
	}

	b.mu.Lock()
	for _, sub := range dropped {
		b.removeLocked(sub)
	}
	b.mu.Unlock()
	for _, sub := range dropped {
		sub.close()
	}
	log.Warn().Str("job_id", jobID).Int("dropped", len(dropped)).Msg("dropped slow progress subscribers")
}

// queue delivers an event during Subscribe. The queue is freshly created and
// larger than any replay tail, so the send cannot block.
func (b *Broadcaster) queue(sub *Subscription, event models.ProgressEvent) {
	select {
	case sub.ch <- event:
	default:
	}
}

func (b *Broadcaster) appendRingLocked(jobID string, event models.ProgressEvent) {
	ring := append(b.ring[jobID], event)
	if excess := len(ring) - b.opts.RingSize; excess > 0 {
		ring = ring[excess:]
	}
	b.ring[jobID] = ring
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs := b.subs[sub.jobID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.jobID]) == 0 {
		delete(b.subs, sub.jobID)
	}
}

func (b *Broadcaster) purgeExpiredLocked() {
	cutoff := b.now().Add(-b.opts.TerminalTTL)
	for jobID, entry := range b.finished {
		if entry.at.Before(cutoff) {
			delete(b.finished, jobID)
		}
	}
}

func streamEnd(jobID string, reason models.EventType, at time.Time) models.ProgressEvent {
	return models.ProgressEvent{
		JobID:     jobID,
		Type:      models.EventStreamEnd,
		Message:   "stream closed",
		Timestamp: at,
		Data:      map[string]any{"reason": string(reason)},
	}
}

func tail(events []models.ProgressEvent, n int) []models.ProgressEvent {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}
