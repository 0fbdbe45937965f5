// Package subscriber manages per-socket subscriptions to event rooms, matches
// inbound transport messages against each subscription's filter and delivers
// to the owning connection, with bounded replay of recent history.
package subscriber

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
	"github.com/FortiumPartners/claude-config-sub021/pkg/transport"
)

// SocketSender delivers a payload to exactly one connection. The websocket
// hub implements this.
type SocketSender interface {
	Send(socketID string, payload []byte) error
}

// Store persists live subscriptions so reconnect and inspection tooling can
// see them. Failures are logged and swallowed; persistence is best-effort.
type Store interface {
	Save(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
	DeleteBySocket(ctx context.Context, socketID string) error
	UpdateFilters(ctx context.Context, id string, f Filters) error
}

// SocketInfo is the already-authenticated identity of a connection.
type SocketInfo struct {
	SocketID       string
	UserID         string
	OrganizationID string
	Role           string
}

type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Filters is a conjunctive filter: every present dimension must match for an
// event to be delivered.
type Filters struct {
	Priorities   []event.Priority `json:"priority,omitempty" validate:"omitempty,dive,oneof=low medium high critical"`
	Tags         []string         `json:"tags,omitempty"`
	Sources      []string         `json:"sources,omitempty"`
	UserIDs      []string         `json:"userIds,omitempty"`
	ExcludeUsers []string         `json:"excludeUsers,omitempty"`
	TimeRange    *TimeRange       `json:"timeRange,omitempty"`
	DataFilters  map[string]any   `json:"dataFilters,omitempty"`
}

type SubscribeRequest struct {
	EventTypes    []event.EventType `json:"eventTypes" validate:"required,min=1"`
	Rooms         []string          `json:"rooms" validate:"required,min=1"`
	Filters       Filters           `json:"filters"`
	ReplayHistory bool              `json:"replayHistory,omitempty"`
	ReplayCount   int               `json:"replayCount,omitempty" validate:"omitempty,min=1"`
}

type Stats struct {
	EventsReceived       int64   `json:"eventsReceived"`
	EventsFiltered       int64   `json:"eventsFiltered"`
	AverageLatencyMillis float64 `json:"averageLatency"`
}

// Subscription is one connection's interest registration. A socket may hold
// several; each belongs to exactly one socket.
type Subscription struct {
	ID             string            `json:"id"`
	SocketID       string            `json:"socketId"`
	UserID         string            `json:"userId"`
	OrganizationID string            `json:"organizationId"`
	UserRole       string            `json:"userRole"`
	EventTypes     []event.EventType `json:"eventTypes"`
	Rooms          []string          `json:"rooms"`
	Filters        Filters           `json:"filters"`
	Permissions    []string          `json:"permissions"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivity   time.Time         `json:"lastActivity"`
	Stats          Stats             `json:"stats"`
}

type SubscribeResult struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	EventsReplayed int    `json:"eventsReplayed,omitempty"`
	Error          string `json:"error,omitempty"`
}

type UnsubscribeResult struct {
	Success           bool `json:"success"`
	UnsubscribedCount int  `json:"unsubscribedCount"`
}

// EventDelivery records one delivery attempt to one socket.
type EventDelivery struct {
	SubscriptionID string        `json:"subscriptionId"`
	EventID        string        `json:"eventId"`
	DeliveredAt    time.Time     `json:"deliveredAt"`
	Latency        time.Duration `json:"latency"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
}

type Metrics struct {
	ActiveSubscriptions  int     `json:"activeSubscriptions"`
	ActiveRooms          int     `json:"activeRooms"`
	TotalDelivered       int64   `json:"totalDelivered"`
	TotalFiltered        int64   `json:"totalFiltered"`
	TotalFailed          int64   `json:"totalFailed"`
	TotalReplayed        int64   `json:"totalReplayed"`
	TotalMalformed       int64   `json:"totalMalformed"`
	AverageLatencyMillis float64 `json:"averageLatency"`
}

type Config struct {
	MaxSubscriptionsPerUser int
	ReplayBufferSize        int
	HealthCheckInterval     time.Duration
	SubscriptionTTL         time.Duration
	DeliveryLogSize         int
}

func (c Config) withDefaults() Config {
	if c.MaxSubscriptionsPerUser <= 0 {
		c.MaxSubscriptionsPerUser = 25
	}
	if c.ReplayBufferSize <= 0 {
		c.ReplayBufferSize = 500
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = 30 * time.Minute
	}
	if c.DeliveryLogSize <= 0 {
		c.DeliveryLogSize = 1000
	}
	return c
}

// Subscriber owns the subscription indexes, the per-room transport listeners
// and the replay buffer. All state is instance-owned so several subscribers
// can coexist in tests.
type Subscriber struct {
	cfg       Config
	transport transport.Transport
	sender    SocketSender
	store     Store
	validate  *validator.Validate

	mu          sync.RWMutex
	subs        map[string]*Subscription
	bySocket    map[string][]string
	byRoom      map[string]map[string]struct{}
	roomCancels map[string]func()
	deliveries  []EventDelivery
	closed      bool

	totalDelivered int64
	totalFiltered  int64
	totalFailed    int64
	totalReplayed  int64
	totalMalformed int64
	avgLatencyMs   float64

	replay *replayRing

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a subscriber on the given transport and socket sender.
// store may be nil.
func New(t transport.Transport, sender SocketSender, store Store, cfg Config) *Subscriber {
	s := &Subscriber{
		cfg:         cfg.withDefaults(),
		transport:   t,
		sender:      sender,
		store:       store,
		validate:    validator.New(),
		subs:        make(map[string]*Subscription),
		bySocket:    make(map[string][]string),
		byRoom:      make(map[string]map[string]struct{}),
		roomCancels: make(map[string]func()),
		done:        make(chan struct{}),
	}
	s.replay = newReplayRing(s.cfg.ReplayBufferSize)

	s.wg.Add(1)
	go s.healthLoop()
	return s
}

// Subscribe registers a connection's interest. Validation failures reject the
// whole request with no partial effect.
func (s *Subscriber) Subscribe(conn SocketInfo, req SubscribeRequest) (SubscribeResult, error) {
	if err := s.validate.Struct(req); err != nil {
		err = fmt.Errorf("invalid subscribe request: %w", err)
		return SubscribeResult{Success: false, Error: err.Error()}, err
	}

	perms := permissionsForRole(conn.Role)
	if err := validateEventPermissions(perms, req.EventTypes); err != nil {
		return SubscribeResult{Success: false, Error: err.Error()}, err
	}
	if err := validateRoomAccess(conn, req.Rooms); err != nil {
		return SubscribeResult{Success: false, Error: err.Error()}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		err := fmt.Errorf("subscriber is shut down")
		return SubscribeResult{Success: false, Error: err.Error()}, err
	}
	owned := 0
	for _, sub := range s.subs {
		if sub.UserID == conn.UserID {
			owned++
		}
	}
	if owned >= s.cfg.MaxSubscriptionsPerUser {
		s.mu.Unlock()
		err := fmt.Errorf("subscription limit reached (%d per user)", s.cfg.MaxSubscriptionsPerUser)
		return SubscribeResult{Success: false, Error: err.Error()}, err
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:             event.NewSubscriptionID(),
		SocketID:       conn.SocketID,
		UserID:         conn.UserID,
		OrganizationID: conn.OrganizationID,
		UserRole:       conn.Role,
		EventTypes:     append([]event.EventType(nil), req.EventTypes...),
		Rooms:          append([]string(nil), req.Rooms...),
		Filters:        req.Filters,
		Permissions:    perms,
		CreatedAt:      now,
		LastActivity:   now,
	}

	s.subs[sub.ID] = sub
	s.bySocket[conn.SocketID] = append(s.bySocket[conn.SocketID], sub.ID)

	var newRooms []string
	for _, room := range sub.Rooms {
		if s.byRoom[room] == nil {
			s.byRoom[room] = make(map[string]struct{})
		}
		s.byRoom[room][sub.ID] = struct{}{}
		if _, listening := s.roomCancels[room]; !listening {
			newRooms = append(newRooms, room)
		}
	}
	s.mu.Unlock()

	// One transport listener per room, no matter how many local
	// subscriptions reference it.
	for _, room := range newRooms {
		if err := s.ensureRoomListener(room); err != nil {
			s.removeSubscription(sub.ID)
			err = fmt.Errorf("listening on room %s: %w", room, err)
			return SubscribeResult{Success: false, Error: err.Error()}, err
		}
	}

	replayed := 0
	if req.ReplayHistory {
		replayed = s.replayTo(sub, req.ReplayCount)
	}

	if s.store != nil {
		if err := s.store.Save(context.Background(), sub); err != nil {
			log.Printf("[SUB] persisting subscription %s failed: %v", sub.ID, err)
		}
	}

	log.Printf("[SUB] subscribed id=%s user=%s rooms=%d types=%d", sub.ID, sub.UserID, len(sub.Rooms), len(sub.EventTypes))
	return SubscribeResult{Success: true, SubscriptionID: sub.ID, EventsReplayed: replayed}, nil
}

func (s *Subscriber) ensureRoomListener(room string) error {
	s.mu.Lock()
	if _, ok := s.roomCancels[room]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cancel, err := s.transport.Subscribe(event.ChannelForRoom(room), func(payload []byte) {
		s.handleTransportMessage(room, payload)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.roomCancels[room]; ok {
		// Lost the race with a concurrent subscribe; keep the first listener.
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.roomCancels[room] = cancel
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes one subscription, or every subscription owned by the
// socket when subscriptionID is empty (the disconnect path). A room's
// transport listener is torn down when its last local subscription goes.
func (s *Subscriber) Unsubscribe(socketID, subscriptionID string) UnsubscribeResult {
	if subscriptionID != "" {
		s.mu.RLock()
		sub, ok := s.subs[subscriptionID]
		owned := ok && sub.SocketID == socketID
		s.mu.RUnlock()
		if !owned {
			return UnsubscribeResult{Success: false, UnsubscribedCount: 0}
		}
		s.removeSubscription(subscriptionID)
		if s.store != nil {
			if err := s.store.Delete(context.Background(), subscriptionID); err != nil {
				log.Printf("[SUB] deleting persisted subscription %s failed: %v", subscriptionID, err)
			}
		}
		return UnsubscribeResult{Success: true, UnsubscribedCount: 1}
	}

	s.mu.RLock()
	ids := append([]string(nil), s.bySocket[socketID]...)
	s.mu.RUnlock()
	for _, id := range ids {
		s.removeSubscription(id)
	}
	if s.store != nil && len(ids) > 0 {
		if err := s.store.DeleteBySocket(context.Background(), socketID); err != nil {
			log.Printf("[SUB] deleting persisted subscriptions for socket %s failed: %v", socketID, err)
		}
	}
	return UnsubscribeResult{Success: true, UnsubscribedCount: len(ids)}
}

func (s *Subscriber) removeSubscription(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)

	ids := s.bySocket[sub.SocketID]
	for i, sid := range ids {
		if sid == id {
			s.bySocket[sub.SocketID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.bySocket[sub.SocketID]) == 0 {
		delete(s.bySocket, sub.SocketID)
	}

	var emptied []string
	for _, room := range sub.Rooms {
		if members, ok := s.byRoom[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(s.byRoom, room)
				emptied = append(emptied, room)
			}
		}
	}
	cancels := make([]func(), 0, len(emptied))
	for _, room := range emptied {
		if cancel, ok := s.roomCancels[room]; ok {
			cancels = append(cancels, cancel)
			delete(s.roomCancels, room)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// UpdateFilters replaces a live subscription's filter without disturbing its
// room membership or delivery statistics.
func (s *Subscriber) UpdateFilters(subscriptionID string, f Filters) error {
	if err := s.validate.Struct(f); err != nil {
		return fmt.Errorf("invalid filters: %w", err)
	}

	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}
	sub.Filters = f
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpdateFilters(context.Background(), subscriptionID, f); err != nil {
			log.Printf("[SUB] persisting filters for %s failed: %v", subscriptionID, err)
		}
	}
	return nil
}

// handleTransportMessage is the per-room channel listener. Malformed messages
// are logged and dropped, never retried.
func (s *Subscriber) handleTransportMessage(room string, payload []byte) {
	envs, err := event.ParseMessage(payload)
	if err != nil {
		log.Printf("[SUB] dropping malformed message on room %s: %v", room, err)
		s.mu.Lock()
		s.totalMalformed++
		s.mu.Unlock()
		return
	}
	for i := range envs {
		s.deliver(room, envs[i])
	}
}

// deliver fans one envelope out to the room's matching subscriptions. A
// failure delivering to one socket never affects the others.
func (s *Subscriber) deliver(room string, env event.Envelope) {
	s.replay.add(env)
	start := time.Now()

	type target struct {
		subID    string
		socketID string
	}
	var matched []target

	s.mu.Lock()
	now := time.Now().UTC()
	for id := range s.byRoom[room] {
		sub, ok := s.subs[id]
		if !ok {
			continue
		}
		if !matches(sub, env) {
			sub.Stats.EventsFiltered++
			sub.LastActivity = now
			s.totalFiltered++
			continue
		}
		matched = append(matched, target{subID: id, socketID: sub.SocketID})
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	payload, err := env.Marshal()
	if err != nil {
		log.Printf("[SUB] marshaling event %s for delivery: %v", env.EventID, err)
		return
	}

	for _, t := range matched {
		sendErr := s.sender.Send(t.socketID, payload)
		latency := time.Since(start)
		s.recordDelivery(t.subID, env.EventID, latency, sendErr)
	}
}

func (s *Subscriber) recordDelivery(subID, eventID string, latency time.Duration, sendErr error) {
	ms := float64(latency.Microseconds()) / 1000.0

	s.mu.Lock()
	defer s.mu.Unlock()

	d := EventDelivery{
		SubscriptionID: subID,
		EventID:        eventID,
		DeliveredAt:    time.Now().UTC(),
		Latency:        latency,
		Success:        sendErr == nil,
	}
	if sendErr != nil {
		d.Error = sendErr.Error()
	}
	s.deliveries = append(s.deliveries, d)
	if len(s.deliveries) > s.cfg.DeliveryLogSize {
		s.deliveries = s.deliveries[len(s.deliveries)-s.cfg.DeliveryLogSize:]
	}

	sub, ok := s.subs[subID]
	if sendErr != nil {
		s.totalFailed++
		log.Printf("[SUB] delivery to subscription %s failed: %v", subID, sendErr)
		return
	}

	s.totalDelivered++
	s.avgLatencyMs = ewma(s.avgLatencyMs, ms)
	if ok {
		sub.Stats.EventsReceived++
		sub.Stats.AverageLatencyMillis = ewma(sub.Stats.AverageLatencyMillis, ms)
		sub.LastActivity = time.Now().UTC()
	}
}

// ewma is the exponentially-weighted latency update; the first sample seeds
// the average.
func ewma(avg, sample float64) float64 {
	if avg == 0 {
		return sample
	}
	return avg*0.9 + sample*0.1
}

// replayTo sends the most recent buffered events matching the subscription,
// oldest first, bounded by count and the buffer size.
func (s *Subscriber) replayTo(sub *Subscription, count int) int {
	if count <= 0 || count > s.cfg.ReplayBufferSize {
		count = s.cfg.ReplayBufferSize
	}

	recent := s.replay.snapshot()
	var picked []event.Envelope
	for i := len(recent) - 1; i >= 0 && len(picked) < count; i-- {
		env := recent[i]
		if !routedToAny(env, sub.Rooms) {
			continue
		}
		s.mu.RLock()
		ok := matches(sub, env)
		s.mu.RUnlock()
		if ok {
			picked = append(picked, env)
		}
	}

	sent := 0
	for i := len(picked) - 1; i >= 0; i-- {
		payload, err := picked[i].Marshal()
		if err != nil {
			continue
		}
		if err := s.sender.Send(sub.SocketID, payload); err != nil {
			log.Printf("[SUB] replay to socket %s failed: %v", sub.SocketID, err)
			break
		}
		sent++
	}

	s.mu.Lock()
	s.totalReplayed += int64(sent)
	s.mu.Unlock()
	return sent
}

func routedToAny(env event.Envelope, rooms []string) bool {
	for _, room := range env.Routing.Rooms {
		for _, r := range rooms {
			if room == r {
				return true
			}
		}
	}
	return false
}

// UserSubscriptions returns copies of every live subscription owned by a user.
func (s *Subscriber) UserSubscriptions(userID string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	return out
}

func (s *Subscriber) SubscriptionByID(id string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// RecentDeliveries returns a snapshot of the delivery log, newest last.
func (s *Subscriber) RecentDeliveries(limit int) []EventDelivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.deliveries) {
		limit = len(s.deliveries)
	}
	out := make([]EventDelivery, limit)
	copy(out, s.deliveries[len(s.deliveries)-limit:])
	return out
}

func (s *Subscriber) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Metrics{
		ActiveSubscriptions:  len(s.subs),
		ActiveRooms:          len(s.byRoom),
		TotalDelivered:       s.totalDelivered,
		TotalFiltered:        s.totalFiltered,
		TotalFailed:          s.totalFailed,
		TotalReplayed:        s.totalReplayed,
		TotalMalformed:       s.totalMalformed,
		AverageLatencyMillis: s.avgLatencyMs,
	}
}

func (s *Subscriber) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.healthCheck()
		}
	}
}

// healthCheck prunes subscriptions idle past the TTL and repairs the room
// listener map: every indexed room gets a listener, every orphaned listener
// is torn down.
func (s *Subscriber) healthCheck() {
	cutoff := time.Now().UTC().Add(-s.cfg.SubscriptionTTL)

	s.mu.RLock()
	var expired []string
	for id, sub := range s.subs {
		if sub.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	var missing []string
	for room := range s.byRoom {
		if _, ok := s.roomCancels[room]; !ok {
			missing = append(missing, room)
		}
	}
	var orphaned []string
	for room := range s.roomCancels {
		if _, ok := s.byRoom[room]; !ok {
			orphaned = append(orphaned, room)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		log.Printf("[SUB] pruning expired subscription %s", id)
		s.removeSubscription(id)
		if s.store != nil {
			if err := s.store.Delete(context.Background(), id); err != nil {
				log.Printf("[SUB] deleting persisted subscription %s failed: %v", id, err)
			}
		}
	}
	for _, room := range missing {
		if err := s.ensureRoomListener(room); err != nil {
			log.Printf("[SUB] restoring listener for room %s failed: %v", room, err)
		}
	}
	for _, room := range orphaned {
		s.mu.Lock()
		cancel, ok := s.roomCancels[room]
		delete(s.roomCancels, room)
		s.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

// Shutdown stops the health loop, tears down every room listener and clears
// all indexes.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	cancels := make([]func(), 0, len(s.roomCancels))
	for _, cancel := range s.roomCancels {
		cancels = append(cancels, cancel)
	}
	s.subs = make(map[string]*Subscription)
	s.bySocket = make(map[string][]string)
	s.byRoom = make(map[string]map[string]struct{})
	s.roomCancels = make(map[string]func())
	s.deliveries = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	log.Printf("[SUB] subscriber shut down")
	return nil
}

// permissionsForRole derives capability strings at subscribe time; they are
// not re-checked per event.
func permissionsForRole(role string) []string {
	perms := []string{"events:subscribe", "events:replay"}
	switch strings.ToLower(role) {
	case "admin", "manager":
		perms = append(perms, "events:system_alerts")
	}
	return perms
}

func hasPermission(perms []string, p string) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}

func validateEventPermissions(perms []string, types []event.EventType) error {
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("unknown event type %q", t)
		}
		if t == event.TypeSystemAlert && !hasPermission(perms, "events:system_alerts") {
			return fmt.Errorf("role is not permitted to receive %s events", t)
		}
	}
	return nil
}

// validateRoomAccess keeps every room scoped to the caller's tenant or to the
// caller themselves.
func validateRoomAccess(conn SocketInfo, rooms []string) error {
	for _, room := range rooms {
		switch {
		case room == event.OrgRoom(conn.OrganizationID):
		case room == event.UserRoom(conn.UserID):
		case strings.HasPrefix(room, "dashboard:"+conn.OrganizationID+":"):
		case strings.HasPrefix(room, "metrics:"+conn.OrganizationID+":"):
		default:
			return fmt.Errorf("access to room %q denied", room)
		}
	}
	return nil
}
