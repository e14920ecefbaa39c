// Package observer fans session, legion, and ui events out to subscribers,
// resumable from a sequence cursor.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/events"
	"github.com/legionhq/legion/internal/events/bus"
	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Close reasons reported by Subscriber.Reason.
const (
	ReasonLagged           = "lagged"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
	ReasonUnsubscribed     = "unsubscribed"
)

// Replayer reads persisted stream records after a cursor. The session
// manager and the comm router both satisfy it for their logs.
type Replayer interface {
	ReadEvents(id string, after uint64, limit int) ([]eventlog.Record, error)
}

// Subscriber is one attached observer. Events arrive on Events() until the
// hub closes the channel; Reason then says why.
type Subscriber struct {
	id       string
	stream   v1.StreamKind
	targetID string
	ch       chan v1.StreamEvent

	mu        sync.Mutex
	replaying bool
	pending   []v1.StreamEvent
	lastSeq   uint64
	closed    bool
	reason    string

	lastAck atomic.Int64
}

// Events is the subscriber's ordered event channel.
func (s *Subscriber) Events() <-chan v1.StreamEvent { return s.ch }

// Reason reports why the channel was closed. Empty while open.
func (s *Subscriber) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Ack refreshes the heartbeat deadline.
func (s *Subscriber) Ack() {
	s.lastAck.Store(time.Now().UnixNano())
}

// deliver routes one live event: buffered during replay, else sent.
func (s *Subscriber) deliver(ev v1.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.replaying {
		s.pending = append(s.pending, ev)
		return
	}
	s.send(ev)
}

// send pushes one event, deduping by sequence across the replay/live
// boundary. Overflow closes the subscriber; the writer never blocks.
// Callers hold s.mu.
func (s *Subscriber) send(ev v1.StreamEvent) {
	if ev.Seq > 0 {
		if ev.Seq <= s.lastSeq {
			return
		}
		s.lastSeq = ev.Seq
	}
	select {
	case s.ch <- ev:
	default:
		s.closeLocked(ReasonLagged)
	}
}

func (s *Subscriber) closeLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
}

func (s *Subscriber) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

// Hub is the fan-out point between the event bus and attached observers.
type Hub struct {
	store    *state.Store
	sessions Replayer
	legions  Replayer
	bus      bus.EventBus
	cfg      config.HubConfig
	logger   *logger.Logger

	mu   sync.Mutex
	subs map[string]*Subscriber

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	busSubs []bus.Subscription
}

// NewHub creates an observer hub. sessions and legions replay the session
// event logs and legion comm logs respectively.
func NewHub(store *state.Store, sessions, legions Replayer, eventBus bus.EventBus, cfg config.HubConfig, log *logger.Logger) *Hub {
	return &Hub{
		store:    store,
		sessions: sessions,
		legions:  legions,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log,
		subs:     map[string]*Subscriber{},
	}
}

func (h *Hub) bufferSize() int {
	if h.cfg.SubscriberBuffer > 0 {
		return h.cfg.SubscriberBuffer
	}
	return 64
}

func (h *Hub) heartbeatInterval() time.Duration {
	if h.cfg.HeartbeatInterval > 0 {
		return time.Duration(h.cfg.HeartbeatInterval) * time.Second
	}
	return 15 * time.Second
}

func (h *Hub) ackGrace() time.Duration {
	if h.cfg.AckGrace > 0 {
		return time.Duration(h.cfg.AckGrace) * time.Second
	}
	return 45 * time.Second
}

// Start attaches the hub to the bus and begins heartbeating.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	for _, subject := range []string{
		events.UIStream,
		events.BuildSessionStreamWildcardSubject(),
		events.BuildLegionStreamWildcardSubject(),
	} {
		sub, err := h.bus.Subscribe(subject, h.onBusEvent)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		h.busSubs = append(h.busSubs, sub)
	}

	h.wg.Add(1)
	go h.heartbeatLoop()
	h.logger.Info("observer hub started")
	return nil
}

// Stop detaches from the bus and closes every subscriber.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	for _, sub := range h.busSubs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("bus unsubscribe failed", zap.Error(err))
		}
	}
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		sub.close(ReasonShutdown)
		delete(h.subs, id)
	}
}

func (h *Hub) onBusEvent(ctx context.Context, event *bus.Event) error {
	ev, ok := decodeStreamEvent(event.Data)
	if !ok {
		h.logger.Warn("dropping undecodable bus event", zap.String("type", event.Type))
		return nil
	}

	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.stream != ev.Stream {
			continue
		}
		switch ev.Stream {
		case v1.StreamSession:
			if sub.targetID != ev.SessionID {
				continue
			}
		case v1.StreamLegion:
			if sub.targetID != ev.LegionID {
				continue
			}
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
	return nil
}

// decodeStreamEvent recovers the StreamEvent from bus event data, which is a
// typed value on the memory bus and decoded JSON after a NATS round-trip.
func decodeStreamEvent(data interface{}) (v1.StreamEvent, bool) {
	switch d := data.(type) {
	case v1.StreamEvent:
		return d, true
	case *v1.StreamEvent:
		return *d, true
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return v1.StreamEvent{}, false
		}
		var ev v1.StreamEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Kind == "" {
			return v1.StreamEvent{}, false
		}
		return ev, true
	}
}

// SubscribeSession attaches to one session's stream, replaying log records
// with seq > cursor before going live.
func (h *Hub) SubscribeSession(sessionID string, cursor uint64) (*Subscriber, error) {
	if _, err := h.store.GetSession(sessionID); err != nil {
		return nil, err
	}
	sub := h.register(v1.StreamSession, sessionID)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.replay(sub, func() ([]v1.StreamEvent, error) {
			recs, err := h.sessions.ReadEvents(sessionID, cursor, 0)
			if err != nil {
				return nil, err
			}
			out := make([]v1.StreamEvent, 0, len(recs))
			for _, rec := range recs {
				out = append(out, v1.StreamEvent{
					Stream:    v1.StreamSession,
					SessionID: sessionID,
					Seq:       rec.Seq,
					Kind:      session.StreamKindFor(rec.Kind),
					Timestamp: rec.Timestamp,
					Payload:   rec.Payload,
				})
			}
			return out, nil
		})
	}()
	return sub, nil
}

// SubscribeLegion attaches to one legion's stream: comm log replay from the
// cursor, then live comms, minion lifecycle, and schedule events.
func (h *Hub) SubscribeLegion(legionID string, cursor uint64) (*Subscriber, error) {
	project, err := h.store.GetProject(legionID)
	if err != nil {
		return nil, err
	}
	if !project.IsLegion {
		return nil, fmt.Errorf("project %s is not a legion: %w", legionID, state.ErrNotFound)
	}
	sub := h.register(v1.StreamLegion, legionID)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.replay(sub, func() ([]v1.StreamEvent, error) {
			recs, err := h.legions.ReadEvents(legionID, cursor, 0)
			if err != nil {
				return nil, err
			}
			out := make([]v1.StreamEvent, 0, len(recs))
			for _, rec := range recs {
				out = append(out, v1.StreamEvent{
					Stream:    v1.StreamLegion,
					LegionID:  legionID,
					Seq:       rec.Seq,
					Kind:      v1.StreamEventComm,
					Timestamp: rec.Timestamp,
					Payload:   rec.Payload,
				})
			}
			return out, nil
		})
	}()
	return sub, nil
}

// SubscribeUI attaches to the global state stream. A zero cursor replays a
// snapshot of current projects and sessions as synthetic state_change
// events; a non-zero cursor skips straight to live.
func (h *Hub) SubscribeUI(cursor uint64) (*Subscriber, error) {
	sub := h.register(v1.StreamUI, "")
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.replay(sub, func() ([]v1.StreamEvent, error) {
			if cursor > 0 {
				return nil, nil
			}
			var out []v1.StreamEvent
			now := time.Now().UTC()
			for _, project := range h.store.ListProjects() {
				raw, err := json.Marshal(project.ToAPI())
				if err != nil {
					continue
				}
				out = append(out, v1.StreamEvent{
					Stream:    v1.StreamUI,
					Kind:      v1.StreamEventStateChange,
					Timestamp: now,
					Payload:   raw,
				})
				for _, ent := range h.store.ListSessions(project.ID) {
					raw, err := json.Marshal(ent.ToAPI(false))
					if err != nil {
						continue
					}
					out = append(out, v1.StreamEvent{
						Stream:    v1.StreamUI,
						SessionID: ent.ID,
						Kind:      v1.StreamEventStateChange,
						Timestamp: now,
						Payload:   raw,
					})
				}
			}
			return out, nil
		})
	}()
	return sub, nil
}

func (h *Hub) register(stream v1.StreamKind, targetID string) *Subscriber {
	sub := &Subscriber{
		id:        uuid.New().String(),
		stream:    stream,
		targetID:  targetID,
		ch:        make(chan v1.StreamEvent, h.bufferSize()),
		replaying: true,
	}
	sub.lastAck.Store(time.Now().UnixNano())
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// replay feeds historical events, then splices in anything that arrived live
// during the replay, then switches to direct delivery.
func (h *Hub) replay(sub *Subscriber, load func() ([]v1.StreamEvent, error)) {
	history, err := load()
	if err != nil {
		h.logger.Warn("replay failed", zap.String("subscriber", sub.id), zap.Error(err))
		h.drop(sub, ReasonShutdown)
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, ev := range history {
		if sub.closed {
			return
		}
		sub.send(ev)
	}
	for _, ev := range sub.pending {
		if sub.closed {
			return
		}
		sub.send(ev)
	}
	sub.pending = nil
	sub.replaying = false
}

// Unsubscribe detaches one subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.drop(sub, ReasonUnsubscribed)
}

func (h *Hub) drop(sub *Subscriber, reason string) {
	sub.close(reason)
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		grace := h.ackGrace()
		h.mu.Lock()
		subs := make([]*Subscriber, 0, len(h.subs))
		for _, sub := range h.subs {
			subs = append(subs, sub)
		}
		h.mu.Unlock()

		for _, sub := range subs {
			if now.Sub(time.Unix(0, sub.lastAck.Load())) > grace {
				h.logger.Info("dropping unresponsive subscriber", zap.String("subscriber", sub.id))
				h.drop(sub, ReasonHeartbeatTimeout)
				continue
			}
			sub.deliver(v1.StreamEvent{
				Stream:    sub.stream,
				Kind:      v1.StreamEventHeartbeat,
				Timestamp: now.UTC(),
			})
		}
	}
}
