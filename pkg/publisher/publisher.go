// Package publisher accepts typed event submissions, deduplicates them,
// and delivers them over the pub/sub transport: critical events go out
// immediately, everything else is batched. Failed immediate deliveries land
// in an in-memory dead-letter queue and are retried up to a ceiling.
package publisher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
	"github.com/FortiumPartners/claude-config-sub021/pkg/transport"
)

// Analytics records lightweight per-tenant usage counters. Failures are
// logged and swallowed; they never affect publish results.
type Analytics interface {
	RecordEvent(ctx context.Context, organizationID string, t event.EventType, p event.Priority) error
}

type Config struct {
	BatchSize           int
	BatchInterval       time.Duration
	DeduplicationWindow time.Duration
	MaxRetries          int
	RetryInterval       time.Duration
	HistoryRetention    time.Duration
	MaxHistory          int
	DeadLetterRetention time.Duration
	SweepInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
	if c.DeduplicationWindow <= 0 {
		c.DeduplicationWindow = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = time.Hour
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Submission is a publish request from application code.
type Submission struct {
	Type           event.EventType `json:"type" validate:"required"`
	Source         string          `json:"source" validate:"required"`
	OrganizationID string          `json:"organizationId" validate:"required"`
	UserID         string          `json:"userId,omitempty"`
	Data           map[string]any  `json:"data" validate:"required"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Priority       event.Priority  `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	TTL            time.Duration   `json:"ttl,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Routing        event.Routing   `json:"routing"`
}

type Result struct {
	Success        bool   `json:"success"`
	EventID        string `json:"eventId,omitempty"`
	Published      bool   `json:"published"`
	Queued         bool   `json:"queued"`
	RecipientCount int64  `json:"recipientCount,omitempty"`
	Error          string `json:"error,omitempty"`
}

type BatchError struct {
	EventID string `json:"eventId"`
	Message string `json:"message"`
}

type BatchResult struct {
	TotalEvents      int           `json:"totalEvents"`
	SuccessfulEvents int           `json:"successfulEvents"`
	FailedEvents     int           `json:"failedEvents"`
	QueuedEvents     int           `json:"queuedEvents"`
	ProcessingTime   time.Duration `json:"processingTime"`
	Errors           []BatchError  `json:"errors"`
}

// DeadLetterEntry retains a failed event until the retention window elapses.
// Entries whose retry count has passed MaxRetries stay visible but are no
// longer re-attempted.
type DeadLetterEntry struct {
	Event    *event.Event `json:"event"`
	FailedAt time.Time    `json:"failedAt"`
	Reason   string       `json:"reason"`
}

type Metrics struct {
	TotalPublished    int64                     `json:"totalPublished"`
	TotalQueued       int64                     `json:"totalQueued"`
	TotalDeduplicated int64                     `json:"totalDeduplicated"`
	TotalFailed       int64                     `json:"totalFailed"`
	TotalFlushes      int64                     `json:"totalFlushes"`
	ByType            map[event.EventType]int64 `json:"byType"`
	ByPriority        map[event.Priority]int64  `json:"byPriority"`
	QueueDepth        int                       `json:"queueDepth"`
	DeadLetterDepth   int                       `json:"deadLetterDepth"`
	HistorySize       int                       `json:"historySize"`
}

type QueueStatus struct {
	QueueDepth      int           `json:"queueDepth"`
	DeadLetterDepth int           `json:"deadLetterDepth"`
	BatchSize       int           `json:"batchSize"`
	BatchInterval   time.Duration `json:"batchInterval"`
	Processing      bool          `json:"processing"`
}

// Publisher owns the publish queue, the dedup cache, the bounded event
// history and the dead-letter queue. Instances hold all state themselves so
// several can coexist in one process.
type Publisher struct {
	cfg       Config
	transport transport.Transport
	analytics Analytics
	validate  *validator.Validate

	mu         sync.Mutex
	queue      []*event.Event
	dedup      map[string]*time.Timer
	history    []*event.Event
	deadLetter []*DeadLetterEntry
	processing bool
	closed     bool

	totalPublished    int64
	totalQueued       int64
	totalDeduplicated int64
	totalFailed       int64
	totalFlushes      int64
	byType            map[event.EventType]int64
	byPriority        map[event.Priority]int64

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a publisher on the given transport. analytics may be nil.
func New(t transport.Transport, analytics Analytics, cfg Config) *Publisher {
	p := &Publisher{
		cfg:        cfg.withDefaults(),
		transport:  t,
		analytics:  analytics,
		validate:   validator.New(),
		dedup:      make(map[string]*time.Timer),
		byType:     make(map[event.EventType]int64),
		byPriority: make(map[event.Priority]int64),
		done:       make(chan struct{}),
	}

	p.wg.Add(3)
	go p.flushLoop()
	go p.retryLoop()
	go p.sweepLoop()
	return p
}

// Publish validates the submission and either delivers it immediately
// (critical priority) or queues it for the next batch flush. A duplicate
// inside the dedup window is a successful no-op, not an error.
func (p *Publisher) Publish(ctx context.Context, sub Submission) (Result, error) {
	if err := p.validateSubmission(sub); err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}

	priority := sub.Priority
	if priority == "" {
		priority = event.PriorityMedium
	}

	ev := &event.Event{
		ID:             event.NewEventID(),
		Type:           sub.Type,
		Source:         sub.Source,
		OrganizationID: sub.OrganizationID,
		UserID:         sub.UserID,
		Data:           sub.Data,
		Metadata: event.Metadata{
			Version:       "1.0",
			Timestamp:     time.Now().UTC(),
			CorrelationID: sub.CorrelationID,
			Priority:      priority,
			TTL:           sub.TTL,
			RetryCount:    0,
			Tags:          sub.Tags,
		},
		Routing: sub.Routing,
	}

	key := event.DedupKey(sub.Type, sub.Source, sub.OrganizationID, sub.Data, sub.CorrelationID)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		err := fmt.Errorf("publisher is shut down")
		return Result{Success: false, Error: err.Error()}, err
	}
	if _, dup := p.dedup[key]; dup {
		p.totalDeduplicated++
		p.mu.Unlock()
		return Result{Success: true, EventID: ev.ID}, nil
	}
	p.dedup[key] = time.AfterFunc(p.cfg.DeduplicationWindow, func() {
		p.mu.Lock()
		delete(p.dedup, key)
		p.mu.Unlock()
	})

	p.history = append(p.history, ev)
	if len(p.history) > p.cfg.MaxHistory {
		p.history = p.history[len(p.history)-p.cfg.MaxHistory:]
	}
	p.byType[ev.Type]++
	p.byPriority[priority]++
	p.mu.Unlock()

	p.recordAnalytics(ctx, ev)

	if priority == event.PriorityCritical {
		return p.publishImmediate(ctx, ev)
	}

	p.mu.Lock()
	p.queue = append(p.queue, ev)
	p.totalQueued++
	trigger := len(p.queue) >= p.cfg.BatchSize
	p.mu.Unlock()

	if trigger {
		go p.flush(context.Background())
	}
	return Result{Success: true, EventID: ev.ID, Queued: true}, nil
}

// PublishBatch fans Publish out over all submissions with fault isolation:
// one event's failure never aborts the others.
func (p *Publisher) PublishBatch(ctx context.Context, subs []Submission) BatchResult {
	start := time.Now()
	results := make([]Result, len(subs))

	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s Submission) {
			defer wg.Done()
			res, _ := p.Publish(ctx, s)
			results[i] = res
		}(i, s)
	}
	wg.Wait()

	out := BatchResult{TotalEvents: len(subs), Errors: []BatchError{}}
	for i, res := range results {
		switch {
		case !res.Success:
			out.FailedEvents++
			id := res.EventID
			if id == "" {
				id = fmt.Sprintf("event_%d", i)
			}
			out.Errors = append(out.Errors, BatchError{EventID: id, Message: res.Error})
		case res.Queued:
			out.QueuedEvents++
		default:
			out.SuccessfulEvents++
		}
	}
	out.ProcessingTime = time.Since(start)
	return out
}

func (p *Publisher) validateSubmission(sub Submission) error {
	if !sub.Type.Valid() {
		return fmt.Errorf("unknown event type %q", sub.Type)
	}
	if err := p.validate.Struct(sub); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}
	if !sub.Routing.HasTarget() {
		return fmt.Errorf("routing must name at least one room, user or role")
	}
	return nil
}

func (p *Publisher) recordAnalytics(ctx context.Context, ev *event.Event) {
	if p.analytics == nil {
		return
	}
	if err := p.analytics.RecordEvent(ctx, ev.OrganizationID, ev.Type, ev.Metadata.Priority); err != nil {
		log.Printf("[PUB] analytics record failed org=%s type=%s: %v", ev.OrganizationID, ev.Type, err)
	}
}

// publishImmediate delivers a critical event to every routed room before
// returning. On transport failure the event is dead-lettered for retry.
func (p *Publisher) publishImmediate(ctx context.Context, ev *event.Event) (Result, error) {
	payload, err := ev.Envelope().Marshal()
	if err != nil {
		err = fmt.Errorf("marshaling event %s: %w", ev.ID, err)
		return Result{Success: false, EventID: ev.ID, Error: err.Error()}, err
	}

	var recipients int64
	counter, hasCounter := p.transport.(transport.SubscriberCounter)

	var pubErr error
	for _, room := range ev.Routing.Rooms {
		channel := event.ChannelForRoom(room)
		if err := p.transport.Publish(ctx, channel, payload); err != nil {
			pubErr = fmt.Errorf("publishing to %s: %w", channel, err)
			break
		}
		if hasCounter {
			if n, err := counter.SubscriberCount(ctx, channel); err == nil {
				recipients += n
			}
		}
	}

	if pubErr != nil {
		p.deadLetterEvent(ev, pubErr.Error())
		p.mu.Lock()
		p.totalFailed++
		p.mu.Unlock()
		return Result{Success: false, EventID: ev.ID, Error: pubErr.Error()}, pubErr
	}

	p.mu.Lock()
	p.totalPublished++
	p.mu.Unlock()
	return Result{Success: true, EventID: ev.ID, Published: true, RecipientCount: recipients}, nil
}

// deadLetterEvent bumps the retry count and retains the event if it is still
// under the retry ceiling.
func (p *Publisher) deadLetterEvent(ev *event.Event, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.Metadata.RetryCount++
	if ev.Metadata.RetryCount > p.cfg.MaxRetries {
		return
	}
	p.deadLetter = append(p.deadLetter, &DeadLetterEntry{
		Event:    ev,
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	})
}

func (p *Publisher) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.flush(context.Background())
		}
	}
}

// flush drains the queue, groups events by room and issues all per-room batch
// publishes concurrently. The processing flag keeps flushes from overlapping;
// a flush invoked while one is running is a no-op. A failure anywhere marks
// the whole drained batch for retry; per-room partial failure is not
// distinguished.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if p.processing || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.processing = true
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.processing = false
		p.mu.Unlock()
	}()

	byRoom := make(map[string][]event.Envelope)
	for _, ev := range batch {
		env := ev.Envelope()
		for _, room := range ev.Routing.Rooms {
			byRoom[room] = append(byRoom[room], env)
		}
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for room, envs := range byRoom {
		wg.Add(1)
		go func(room string, envs []event.Envelope) {
			defer wg.Done()
			payload, err := event.NewBatch(envs).Marshal()
			if err == nil {
				err = p.transport.Publish(ctx, event.ChannelForRoom(room), payload)
			}
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("batch publish to %s: %w", room, err)
				}
				errMu.Unlock()
			}
		}(room, envs)
	}
	wg.Wait()

	if firstErr != nil {
		log.Printf("[PUB] batch flush failed, dead-lettering %d events: %v", len(batch), firstErr)
		for _, ev := range batch {
			p.deadLetterEvent(ev, firstErr.Error())
		}
		p.mu.Lock()
		p.totalFailed += int64(len(batch))
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.totalPublished += int64(len(batch))
	p.totalFlushes++
	p.mu.Unlock()
}

func (p *Publisher) retryLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.retryDeadLetters(context.Background())
		}
	}
}

// retryDeadLetters re-attempts entries still under the retry ceiling.
// Entries beyond it stay visible until the retention sweep removes them.
func (p *Publisher) retryDeadLetters(ctx context.Context) {
	p.mu.Lock()
	pending := make([]*DeadLetterEntry, len(p.deadLetter))
	copy(pending, p.deadLetter)
	p.mu.Unlock()

	for _, entry := range pending {
		ev := entry.Event
		p.mu.Lock()
		retryable := ev.Metadata.RetryCount <= p.cfg.MaxRetries
		p.mu.Unlock()
		if !retryable {
			continue
		}

		payload, err := ev.Envelope().Marshal()
		if err != nil {
			continue
		}
		var pubErr error
		for _, room := range ev.Routing.Rooms {
			if err := p.transport.Publish(ctx, event.ChannelForRoom(room), payload); err != nil {
				pubErr = err
				break
			}
		}

		p.mu.Lock()
		if pubErr != nil {
			ev.Metadata.RetryCount++
		} else {
			for i, e := range p.deadLetter {
				if e == entry {
					p.deadLetter = append(p.deadLetter[:i], p.deadLetter[i+1:]...)
					break
				}
			}
			p.totalPublished++
		}
		p.mu.Unlock()
	}
}

func (p *Publisher) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts aged history entries and dead letters past retention.
func (p *Publisher) sweep() {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.history[:0]
	for _, ev := range p.history {
		if now.Sub(ev.Metadata.Timestamp) <= p.cfg.HistoryRetention {
			kept = append(kept, ev)
		}
	}
	p.history = kept

	dlq := p.deadLetter[:0]
	for _, e := range p.deadLetter {
		if now.Sub(e.FailedAt) <= p.cfg.DeadLetterRetention {
			dlq = append(dlq, e)
		}
	}
	p.deadLetter = dlq
}

func (p *Publisher) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		TotalPublished:    p.totalPublished,
		TotalQueued:       p.totalQueued,
		TotalDeduplicated: p.totalDeduplicated,
		TotalFailed:       p.totalFailed,
		TotalFlushes:      p.totalFlushes,
		ByType:            make(map[event.EventType]int64, len(p.byType)),
		ByPriority:        make(map[event.Priority]int64, len(p.byPriority)),
		QueueDepth:        len(p.queue),
		DeadLetterDepth:   len(p.deadLetter),
		HistorySize:       len(p.history),
	}
	for k, v := range p.byType {
		m.ByType[k] = v
	}
	for k, v := range p.byPriority {
		m.ByPriority[k] = v
	}
	return m
}

func (p *Publisher) QueueStatus() QueueStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return QueueStatus{
		QueueDepth:      len(p.queue),
		DeadLetterDepth: len(p.deadLetter),
		BatchSize:       p.cfg.BatchSize,
		BatchInterval:   p.cfg.BatchInterval,
		Processing:      p.processing,
	}
}

// EventHistory returns up to limit most-recent events for a tenant,
// newest first.
func (p *Publisher) EventHistory(organizationID string, limit int) []*event.Event {
	if limit <= 0 {
		limit = 50
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Event, 0, limit)
	for i := len(p.history) - 1; i >= 0 && len(out) < limit; i-- {
		if p.history[i].OrganizationID == organizationID {
			out = append(out, p.history[i])
		}
	}
	return out
}

// DeadLetter returns a snapshot of the dead-letter queue.
func (p *Publisher) DeadLetter() []*DeadLetterEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*DeadLetterEntry, len(p.deadLetter))
	copy(out, p.deadLetter)
	return out
}

// Shutdown stops the background loops, flushes anything still queued and
// clears all in-memory state. In-flight transport calls are not cancelled.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	p.flush(ctx)

	p.mu.Lock()
	for key, timer := range p.dedup {
		timer.Stop()
		delete(p.dedup, key)
	}
	p.queue = nil
	p.history = nil
	p.deadLetter = nil
	p.mu.Unlock()

	log.Printf("[PUB] publisher shut down")
	return nil
}
