// Package eventbus implements the in-process typed publish/subscribe bus
// described in §4.8 and re-architected per §9's "Design Notes": instead of
// a string-topic emitter with variadic payloads, each topic is a distinct
// Go type and subscribers register with a handle typed to that payload.
package eventbus

import (
	"sync"
	"time"

	"herdctl/internal/logx"
	"herdctl/internal/model"
)

// Topic names mirror §4.8's event table; they name topics in logs and in
// wsmirror's wire frames, never for payload dispatch (each payload type
// below has its own typed channel).
const (
	TopicFleetStatus        = "fleet:status"
	TopicAgentUpdated       = "agent:updated"
	TopicScheduleTriggered  = "schedule:triggered"
	TopicJobCreated         = "job:created"
	TopicJobOutput          = "job:output"
	TopicJobCompleted       = "job:completed"
	TopicJobFailed          = "job:failed"
	TopicJobCancelled       = "job:cancelled"
)

// AgentUpdatedPayload mirrors the agent:updated event.
type AgentUpdatedPayload struct {
	QualifiedName string
	Status        string
	RunningCount  int
	ScheduleCount int
	LastJobID     string
}

// ScheduleTriggeredPayload mirrors the schedule:triggered event.
type ScheduleTriggeredPayload struct {
	AgentName    string
	ScheduleName string
}

// JobCreatedPayload mirrors the job:created event.
type JobCreatedPayload struct {
	Job model.Job
}

// StreamKind distinguishes stdout-like vs stderr-like output, matching the
// job:output payload's `stream` field.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// JobOutputPayload mirrors the job:output event.
type JobOutputPayload struct {
	JobID     string
	AgentName string
	Output    string
	Stream    StreamKind
	Timestamp time.Time
}

// JobCompletedPayload mirrors the job:completed event.
type JobCompletedPayload struct {
	Job             model.Job
	DurationSeconds float64
}

// EventError is the structured error shape carried by job:failed.
type EventError struct {
	Kind    string
	Message string
	Code    string
}

// JobFailedPayload mirrors the job:failed event.
type JobFailedPayload struct {
	Job   model.Job
	Error EventError
}

// JobCancelledPayload mirrors the job:cancelled event.
type JobCancelledPayload struct {
	Job    model.Job
	Reason string
}

// queueSize is the default per-subscriber bounded queue depth.
const queueSize = 256

// subscriber[T] owns a bounded queue for one topic's payload type; the bus
// enqueues, the subscriber's own goroutine drains it via Events().
type subscriber[T any] struct {
	id     uint64
	ch     chan T
	mu     sync.Mutex
	closed bool
}

func newSubscriber[T any](id uint64) *subscriber[T] {
	return &subscriber[T]{id: id, ch: make(chan T, queueSize)}
}

// deliver enqueues a payload, dropping the oldest queued item on overflow so
// the publisher never blocks on a slow subscriber (§4.8 overflow policy).
func (s *subscriber[T]) deliver(v T) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return false
	default:
		select {
		case <-s.ch:
			dropped = true
		default:
		}
		select {
		case s.ch <- v:
		default:
		}
		return dropped
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// topicBus manages subscribers for a single payload type.
type topicBus[T any] struct {
	mu          sync.Mutex
	subs        map[uint64]*subscriber[T]
	nextID      uint64
	log         *logx.Logger
	topicName   string
	lastDropLog map[uint64]time.Time
}

func newTopicBus[T any](log *logx.Logger, topicName string) *topicBus[T] {
	return &topicBus[T]{
		subs:        make(map[uint64]*subscriber[T]),
		log:         log,
		topicName:   topicName,
		lastDropLog: make(map[uint64]time.Time),
	}
}

// Subscription is a cancellation handle returned by Subscribe; callers must
// call Unsubscribe when done consuming.
type Subscription[T any] struct {
	bus *topicBus[T]
	sub *subscriber[T]
}

// Events returns the channel to range over for delivered payloads. It is
// closed when Unsubscribe is called.
func (s *Subscription[T]) Events() <-chan T { return s.sub.ch }

// Unsubscribe stops delivery and closes the channel, releasing any blocked
// range loop.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub.id)
	s.bus.mu.Unlock()
	s.sub.close()
}

func (b *topicBus[T]) subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := newSubscriber[T](b.nextID)
	b.subs[sub.id] = sub
	return &Subscription[T]{bus: b, sub: sub}
}

func (b *topicBus[T]) publish(v T) {
	b.mu.Lock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if dropped := s.deliver(v); dropped {
			b.mu.Lock()
			last := b.lastDropLog[s.id]
			now := time.Now()
			shouldLog := now.Sub(last) >= time.Second
			if shouldLog {
				b.lastDropLog[s.id] = now
			}
			b.mu.Unlock()
			if shouldLog {
				b.log.Warn("subscriber queue overflow on topic %s, dropped oldest message", b.topicName)
			}
		}
	}
}

// Bus is the full event bus: one typed sub-bus per topic in §4.8's table.
type Bus struct {
	log *logx.Logger

	fleetStatus       *topicBus[model.FleetState]
	agentUpdated      *topicBus[AgentUpdatedPayload]
	scheduleTriggered *topicBus[ScheduleTriggeredPayload]
	jobCreated        *topicBus[JobCreatedPayload]
	jobOutput         *topicBus[JobOutputPayload]
	jobCompleted      *topicBus[JobCompletedPayload]
	jobFailed         *topicBus[JobFailedPayload]
	jobCancelled      *topicBus[JobCancelledPayload]
}

// New constructs an empty event bus.
func New(log *logx.Logger) *Bus {
	return &Bus{
		log:               log,
		fleetStatus:       newTopicBus[model.FleetState](log, TopicFleetStatus),
		agentUpdated:      newTopicBus[AgentUpdatedPayload](log, TopicAgentUpdated),
		scheduleTriggered: newTopicBus[ScheduleTriggeredPayload](log, TopicScheduleTriggered),
		jobCreated:        newTopicBus[JobCreatedPayload](log, TopicJobCreated),
		jobOutput:         newTopicBus[JobOutputPayload](log, TopicJobOutput),
		jobCompleted:      newTopicBus[JobCompletedPayload](log, TopicJobCompleted),
		jobFailed:         newTopicBus[JobFailedPayload](log, TopicJobFailed),
		jobCancelled:      newTopicBus[JobCancelledPayload](log, TopicJobCancelled),
	}
}

func (b *Bus) PublishFleetStatus(v model.FleetState)             { b.fleetStatus.publish(v) }
func (b *Bus) PublishAgentUpdated(v AgentUpdatedPayload)          { b.agentUpdated.publish(v) }
func (b *Bus) PublishScheduleTriggered(v ScheduleTriggeredPayload) { b.scheduleTriggered.publish(v) }
func (b *Bus) PublishJobCreated(v JobCreatedPayload)              { b.jobCreated.publish(v) }
func (b *Bus) PublishJobOutput(v JobOutputPayload)                { b.jobOutput.publish(v) }
func (b *Bus) PublishJobCompleted(v JobCompletedPayload)          { b.jobCompleted.publish(v) }
func (b *Bus) PublishJobFailed(v JobFailedPayload)                { b.jobFailed.publish(v) }
func (b *Bus) PublishJobCancelled(v JobCancelledPayload)          { b.jobCancelled.publish(v) }

func (b *Bus) SubscribeFleetStatus() *Subscription[model.FleetState] { return b.fleetStatus.subscribe() }
func (b *Bus) SubscribeAgentUpdated() *Subscription[AgentUpdatedPayload] {
	return b.agentUpdated.subscribe()
}
func (b *Bus) SubscribeScheduleTriggered() *Subscription[ScheduleTriggeredPayload] {
	return b.scheduleTriggered.subscribe()
}
func (b *Bus) SubscribeJobCreated() *Subscription[JobCreatedPayload] { return b.jobCreated.subscribe() }
func (b *Bus) SubscribeJobOutput() *Subscription[JobOutputPayload]   { return b.jobOutput.subscribe() }
func (b *Bus) SubscribeJobCompleted() *Subscription[JobCompletedPayload] {
	return b.jobCompleted.subscribe()
}
func (b *Bus) SubscribeJobFailed() *Subscription[JobFailedPayload]         { return b.jobFailed.subscribe() }
func (b *Bus) SubscribeJobCancelled() *Subscription[JobCancelledPayload] { return b.jobCancelled.subscribe() }
