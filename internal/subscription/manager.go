// Package subscription implements the Subscription Manager (§4.12):
// connection and subscription bookkeeping, event dispatch with ops/filter
// matching, heartbeat-based eviction, and resume-with-missed-events. SSE and
// WebSocket message framing live in framing.go.
//
// No forma analog exists (forma has no live subscription fan-out); the
// connection/writer/upgrade shape is grounded on
// _examples/mary-ext-tangled.sh-mirror/knotserver/events.go, which upgrades
// an http.ResponseWriter to a gorilla/websocket connection, streams a
// cursor-ordered backlog before switching to live notifications, and sends
// periodic ping control frames as a keepalive. That repo's single-channel
// broadcast is generalized here into per-connection subscription sets keyed
// by namespace and filter, per-subscription sequence watermarks, and an
// explicit resume path that replays retained events past a client's last
// seen sequence instead of only ever streaming from "now".
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
)

// opAll is the wildcard Ops entry matching every event type (§4.12 "ops
// membership... with ALL matching all").
const opAll parquedb.EventType = "ALL"

// Writer delivers a framed Message to one connection. SSEWriter and
// WebSocketWriter in framing.go are the concrete transports; tests use an
// in-memory fake.
type Writer interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

type subscriptionState struct {
	parquedb.Subscription
	ns           string
	includeState bool
	maxPerSecond float64
	bucket       float64
	lastRefill   time.Time
}

type connectionState struct {
	id            string
	writer        Writer
	lastActivity  time.Time
	subscriptions map[string]*subscriptionState
}

// ManagerOptions configures the per-manager limits and timeouts §4.12 and §5
// name explicitly.
type ManagerOptions struct {
	MaxSubscriptionsPerConnection int
	HeartbeatTimeout              time.Duration
	RetainedEventsPerNamespace    int
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.MaxSubscriptionsPerConnection <= 0 {
		o.MaxSubscriptionsPerConnection = 64
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.RetainedEventsPerNamespace <= 0 {
		o.RetainedEventsPerNamespace = 1000
	}
	return o
}

// Stats is the manager's point-in-time counters (§4.12 "Stats").
type Stats struct {
	ActiveConnections  int
	TotalSubscriptions int
	EventsProcessed    int64
	EventsDelivered    int64
	EventsFiltered     int64
	SubscriptionsByNS  map[string]int
}

// Manager owns all live connections and subscriptions in process.
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger

	mu          sync.Mutex
	connections map[string]*connectionState
	retained    map[string][]parquedb.Event // ns -> bounded ring, oldest first

	eventsProcessed int64
	eventsDelivered int64
	eventsFiltered  int64
}

// New builds an empty Manager.
func New(opts ManagerOptions, logger *zap.Logger) *Manager {
	return &Manager{
		opts:        opts.withDefaults(),
		logger:      logger,
		connections: make(map[string]*connectionState),
		retained:    make(map[string][]parquedb.Event),
	}
}

// Connect registers writer under a fresh connection id and sends the
// {type: connected} handshake.
func (m *Manager) Connect(ctx context.Context, writer Writer) (string, error) {
	id := parquedb.NewConnectionID()
	m.mu.Lock()
	m.connections[id] = &connectionState{
		id:            id,
		writer:        writer,
		lastActivity:  time.Now(),
		subscriptions: make(map[string]*subscriptionState),
	}
	m.mu.Unlock()

	if err := writer.Send(ctx, Message{Type: MsgConnected, ConnectionID: id}); err != nil {
		m.removeConnection(id)
		return "", err
	}
	return id, nil
}

// Disconnect closes conn's writer and removes all of its subscriptions.
func (m *Manager) Disconnect(connID string) {
	m.removeConnection(connID)
}

func (m *Manager) removeConnection(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if ok {
		delete(m.connections, connID)
	}
	m.mu.Unlock()
	if ok {
		_ = conn.writer.Close()
	}
}

// SubscribeRequest describes a new interest registration (§4.12
// "subscribe(connId, {ns, filter?, ops?, includeState?, resumeAfter?,
// maxEventsPerSecond?})").
type SubscribeRequest struct {
	Namespace          string
	Filter             parquedb.SubscriptionFilter
	IncludeState       bool
	ResumeAfter        uint64
	MaxEventsPerSecond float64
}

// Subscribe registers a new subscription on connID. Returns "" (having
// already sent a MAX_SUBSCRIPTIONS error to the connection) if connID is at
// its per-connection cap.
func (m *Manager) Subscribe(ctx context.Context, connID string, req SubscribeRequest) (string, error) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return "", parquedb.NewError(parquedb.ErrorTypeNotFound, "connection_not_found", "connection not found: "+connID)
	}
	if len(conn.subscriptions) >= m.opts.MaxSubscriptionsPerConnection {
		m.mu.Unlock()
		_ = conn.writer.Send(ctx, Message{Type: MsgError, Code: "MAX_SUBSCRIPTIONS"})
		return "", nil
	}

	sub := &subscriptionState{
		Subscription: parquedb.Subscription{
			ID:           parquedb.NewSubscriptionID(),
			ConnectionID: connID,
			Filter:       req.Filter,
			LastSeq:      req.ResumeAfter,
			CreatedAt:    time.Now(),
		},
		ns:           req.Namespace,
		includeState: req.IncludeState,
		maxPerSecond: req.MaxEventsPerSecond,
		bucket:       req.MaxEventsPerSecond,
		lastRefill:   time.Now(),
	}
	conn.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	if err := conn.writer.Send(ctx, Message{Type: MsgSubscribed, SubscriptionID: sub.ID, Namespace: req.Namespace}); err != nil {
		m.removeConnection(connID)
		return "", err
	}
	return sub.ID, nil
}

// Unsubscribe removes subID from connID, sending {type: unsubscribed}. A
// no-op (no error, no message) for an unknown connection or subscription.
func (m *Manager) Unsubscribe(ctx context.Context, connID, subID string) error {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := conn.subscriptions[subID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(conn.subscriptions, subID)
	m.mu.Unlock()

	return conn.writer.Send(ctx, Message{Type: MsgUnsubscribed, SubscriptionID: subID})
}

// Dispatch delivers ev to every matching subscription (§4.12 "Event
// dispatch"). before/after are the entity states to filter and project,
// "after" used for create/update and "before" for delete.
func (m *Manager) Dispatch(ctx context.Context, ev parquedb.Event, before, after map[string]any) error {
	m.mu.Lock()
	m.eventsProcessed++
	var targets []struct {
		conn *connectionState
		sub  *subscriptionState
	}
	for _, conn := range m.connections {
		for _, sub := range conn.subscriptions {
			if sub.ns != ev.Collection {
				continue
			}
			targets = append(targets, struct {
				conn *connectionState
				sub  *subscriptionState
			}{conn, sub})
		}
	}
	m.retain(ev)
	m.mu.Unlock()

	stateSlot := after
	if ev.Type == parquedb.EventDelete {
		stateSlot = before
	}

	var deadConns []string
	var sendErrs error
	for _, t := range targets {
		if !opsMatch(t.sub.Filter.Ops, ev.Type) {
			continue
		}
		if !matchesFilter(t.sub.Filter, stateSlot) {
			m.mu.Lock()
			m.eventsFiltered++
			m.mu.Unlock()
			continue
		}
		if !t.sub.allow(time.Now()) {
			m.mu.Lock()
			m.eventsFiltered++
			m.mu.Unlock()
			continue
		}

		msg := Message{
			Type: MsgChange,
			Data: &ChangeData{
				Seq:      ev.Seq,
				Ts:       ev.Timestamp.UnixMilli(),
				Op:       string(ev.Type),
				Ns:       ev.Collection,
				EntityID: ev.EntityID,
				FullID:   fmt.Sprintf("%s:%s", ev.Collection, ev.EntityID),
			},
		}
		if t.sub.includeState {
			msg.Data.Before = before
			msg.Data.After = after
		}

		if err := t.conn.writer.Send(ctx, msg); err != nil {
			deadConns = append(deadConns, t.conn.id)
			sendErrs = multierr.Append(sendErrs, fmt.Errorf("connection %s: %w", t.conn.id, err))
			continue
		}
		m.mu.Lock()
		t.sub.LastSeq = ev.Seq
		m.eventsDelivered++
		m.mu.Unlock()
	}

	for _, id := range deadConns {
		m.removeConnection(id)
	}
	// Send failures are fan-out noise, not a delivery-path error: the dead
	// connection is already removed above, so log the aggregate instead of
	// propagating it to the caller.
	if sendErrs != nil {
		m.logger.Sugar().Warnw("dispatch encountered subscriber send errors", "collection", ev.Collection, "err", sendErrs)
	}
	return nil
}

// retain appends ev to its namespace's bounded ring buffer, trimming the
// oldest entries once RetainedEventsPerNamespace is exceeded. Caller must
// hold m.mu.
func (m *Manager) retain(ev parquedb.Event) {
	buf := append(m.retained[ev.Collection], ev)
	if max := m.opts.RetainedEventsPerNamespace; len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	m.retained[ev.Collection] = buf
}

// Heartbeat sends {type: pong} to every open connection and evicts any
// connection whose lastActivity predates now minus HeartbeatTimeout.
func (m *Manager) Heartbeat(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var alive, stale []*connectionState
	for _, conn := range m.connections {
		if now.Sub(conn.lastActivity) > m.opts.HeartbeatTimeout {
			stale = append(stale, conn)
		} else {
			alive = append(alive, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range stale {
		m.removeConnection(conn.id)
	}
	for _, conn := range alive {
		if err := conn.writer.Send(ctx, Message{Type: MsgPong, Timestamp: now.UnixMilli()}); err != nil {
			m.removeConnection(conn.id)
		}
	}
}

// Touch records activity on connID, keeping it alive past the heartbeat
// timeout. Callers should invoke this on every inbound message (ping, ack,
// subscribe, ...).
func (m *Manager) Touch(connID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[connID]; ok {
		conn.lastActivity = now
	}
}

// ResumeSubscriptionSpec describes one subscription to re-establish on the
// resumed connection, reusing its original subscription id.
type ResumeSubscriptionSpec struct {
	ID                 string
	Namespace          string
	Filter             parquedb.SubscriptionFilter
	IncludeState       bool
	MaxEventsPerSecond float64
}

// ResumeRequest is the payload for resumeConnection (§4.12 "Resume").
type ResumeRequest struct {
	LastEventIDs  map[string]uint64 // subscription id -> last seq seen
	Subscriptions []ResumeSubscriptionSpec
}

// ResumeResult reports which subscriptions came back and any events missed
// while disconnected.
type ResumeResult struct {
	Success               bool
	ConnectionID          string
	ResumedSubscriptions  []string
	FailedSubscriptions   []string
	MissedEvents          []parquedb.Event
}

// Resume creates a fresh connection over writer, replays each subscription
// in req, and returns the missed events retained since each subscription's
// last seen sequence, sorted by namespace then sequence. Resume does not send
// them itself; the caller sends them ahead of any newly live events.
func (m *Manager) Resume(ctx context.Context, writer Writer, req ResumeRequest) (ResumeResult, error) {
	connID, err := m.Connect(ctx, writer)
	if err != nil {
		return ResumeResult{}, err
	}

	result := ResumeResult{ConnectionID: connID}
	seen := make(map[string]bool) // dedupe missed events across subs by "ns:seq"
	var missed []parquedb.Event

	for _, spec := range req.Subscriptions {
		subID, err := m.Subscribe(ctx, connID, SubscribeRequest{
			Namespace:          spec.Namespace,
			Filter:             spec.Filter,
			IncludeState:       spec.IncludeState,
			ResumeAfter:        req.LastEventIDs[spec.ID],
			MaxEventsPerSecond: spec.MaxEventsPerSecond,
		})
		if err != nil || subID == "" {
			result.FailedSubscriptions = append(result.FailedSubscriptions, spec.ID)
			continue
		}
		result.ResumedSubscriptions = append(result.ResumedSubscriptions, spec.ID)

		lastSeq := req.LastEventIDs[spec.ID]
		m.mu.Lock()
		for _, ev := range m.retained[spec.Namespace] {
			if ev.Seq <= lastSeq {
				continue
			}
			key := fmt.Sprintf("%s:%d", ev.Collection, ev.Seq)
			if seen[key] {
				continue
			}
			seen[key] = true
			missed = append(missed, ev)
		}
		m.mu.Unlock()
	}

	sort.Slice(missed, func(i, j int) bool {
		if missed[i].Collection != missed[j].Collection {
			return missed[i].Collection < missed[j].Collection
		}
		return missed[i].Seq < missed[j].Seq
	})
	result.MissedEvents = missed
	result.Success = len(result.FailedSubscriptions) == 0
	return result, nil
}

// Stats returns a point-in-time snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		ActiveConnections: len(m.connections),
		EventsProcessed:   m.eventsProcessed,
		EventsDelivered:   m.eventsDelivered,
		EventsFiltered:    m.eventsFiltered,
		SubscriptionsByNS: make(map[string]int),
	}
	for _, conn := range m.connections {
		s.TotalSubscriptions += len(conn.subscriptions)
		for _, sub := range conn.subscriptions {
			s.SubscriptionsByNS[sub.ns]++
		}
	}
	return s
}

func opsMatch(ops []parquedb.EventType, t parquedb.EventType) bool {
	if len(ops) == 0 {
		return true
	}
	for _, op := range ops {
		if op == opAll || op == t {
			return true
		}
	}
	return false
}

// matchesFilter applies a simple equality predicate over state's top-level
// fields, per §4.12's "simple equality predicate on Data/Update". A nil
// filter.Match (or nil state, for a filter with no keys) matches everything.
func matchesFilter(filter parquedb.SubscriptionFilter, state map[string]any) bool {
	if len(filter.Match) == 0 {
		return true
	}
	if state == nil {
		return false
	}
	for k, want := range filter.Match {
		if got, ok := state[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// allow applies a simple token-bucket rate limit, refilling at
// maxPerSecond tokens/second and dropping the event (but never erroring)
// once the bucket is empty. A zero maxPerSecond means unlimited.
func (s *subscriptionState) allow(now time.Time) bool {
	if s.maxPerSecond <= 0 {
		return true
	}
	elapsed := now.Sub(s.lastRefill).Seconds()
	s.lastRefill = now
	s.bucket += elapsed * s.maxPerSecond
	if s.bucket > s.maxPerSecond {
		s.bucket = s.maxPerSecond
	}
	if s.bucket < 1 {
		return false
	}
	s.bucket--
	return true
}
