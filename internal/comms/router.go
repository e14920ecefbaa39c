// Package comms routes structured messages between minions within a legion.
package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/events"
	"github.com/legionhq/legion/internal/events/bus"
	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

var (
	ErrUnknownSender    = errors.New("unknown comm sender")
	ErrUnknownRecipient = errors.New("unknown comm recipient")
	ErrBadKind          = errors.New("invalid comm kind")
	ErrBadPriority      = errors.New("invalid comm priority")
)

// LogComm is the record kind appended to legion comm logs.
const LogComm = "comm"

// Router validates, sequences, and delivers comms. One comm log per legion;
// a per-legion mutex makes sequence assignment and delivery a single ordered
// step, which is what gives comms their total order within a legion.
type Router struct {
	store  *state.Store
	mgr    *session.Manager
	bus    bus.EventBus
	logger *logger.Logger

	mu   sync.Mutex
	logs map[string]*legionLog
}

type legionLog struct {
	mu  sync.Mutex
	log *eventlog.Log
}

// NewRouter creates a comm router over the given store and session manager.
func NewRouter(store *state.Store, mgr *session.Manager, eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		store:  store,
		mgr:    mgr,
		bus:    eventBus,
		logger: log,
		logs:   map[string]*legionLog{},
	}
}

func (r *Router) legionLogFor(legionID string) (*legionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ll, ok := r.logs[legionID]; ok {
		return ll, nil
	}
	log, err := eventlog.OpenNamed(r.store.LegionDir(legionID), "comms", r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open legion comm log: %w", err)
	}
	ll := &legionLog{log: log}
	r.logs[legionID] = ll
	return ll, nil
}

// Send validates and dispatches one comm. It returns after every recipient
// has either queued the message or been recorded as not-delivered.
func (r *Router) Send(ctx context.Context, req v1.SendCommRequest) (*v1.Comm, error) {
	project, err := r.store.GetProject(req.LegionID)
	if err != nil {
		return nil, err
	}
	if !project.IsLegion {
		return nil, fmt.Errorf("project %s is not a legion: %w", req.LegionID, state.ErrNotFound)
	}

	if req.Priority == "" {
		req.Priority = v1.CommPriorityNone
	}
	switch req.Kind {
	case v1.CommKindTask, v1.CommKindQuestion, v1.CommKindReport, v1.CommKindInfo:
	default:
		return nil, fmt.Errorf("kind %q: %w", req.Kind, ErrBadKind)
	}
	switch req.Priority {
	case v1.CommPriorityNone, v1.CommPriorityPivot, v1.CommPriorityHalt:
	default:
		return nil, fmt.Errorf("priority %q: %w", req.Priority, ErrBadPriority)
	}

	if req.From != v1.CommOrchestrator {
		if _, err := r.store.SessionByName(req.LegionID, req.From); err != nil {
			return nil, fmt.Errorf("sender %q: %w", req.From, ErrUnknownSender)
		}
	}
	var recipient *state.Session
	switch req.To {
	case v1.CommBroadcast, v1.CommOrchestrator:
	default:
		recipient, err = r.store.SessionByName(req.LegionID, req.To)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", req.To, ErrUnknownRecipient)
		}
	}

	ll, err := r.legionLogFor(req.LegionID)
	if err != nil {
		return nil, err
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()

	comm := &v1.Comm{
		ID:        uuid.New().String(),
		LegionID:  req.LegionID,
		Seq:       ll.log.LastSeq() + 1,
		From:      req.From,
		To:        req.To,
		Kind:      req.Kind,
		Summary:   req.Summary,
		Body:      req.Body,
		Priority:  req.Priority,
		CreatedAt: time.Now().UTC(),
	}

	switch req.To {
	case v1.CommOrchestrator:
		// Observer-only: no minion delivery.
	case v1.CommBroadcast:
		for _, ent := range r.store.ListSessions(req.LegionID) {
			if ent.Name == "" || ent.Name == req.From || ent.Disposed {
				continue
			}
			comm.Delivery = append(comm.Delivery, r.deliver(ctx, ent, comm))
		}
	default:
		comm.Delivery = append(comm.Delivery, r.deliver(ctx, recipient, comm))
	}

	rec, err := ll.log.Append(LogComm, comm)
	if err != nil {
		return nil, fmt.Errorf("failed to append comm record: %w", err)
	}
	if rec.Seq != comm.Seq {
		// Single writer under the legion lock; a mismatch means the log was
		// modified out of band.
		r.logger.Error("comm sequence drift",
			zap.String("legion_id", req.LegionID),
			zap.Uint64("expected", comm.Seq),
			zap.Uint64("assigned", rec.Seq))
		comm.Seq = rec.Seq
	}

	r.publishComm(comm, rec)

	r.logger.Info("comm dispatched",
		zap.String("legion_id", req.LegionID),
		zap.String("from", comm.From),
		zap.String("to", comm.To),
		zap.String("kind", string(comm.Kind)),
		zap.String("priority", string(comm.Priority)),
		zap.Uint64("seq", comm.Seq))
	out := *comm
	return &out, nil
}

// deliver queues the comm on one recipient, honouring priority semantics.
// Failures never abort the send; they become not-delivered markers.
func (r *Router) deliver(ctx context.Context, ent *state.Session, comm *v1.Comm) v1.CommDelivery {
	delivery := v1.CommDelivery{Minion: ent.Name}
	if ent.IsTerminal() {
		delivery.Reason = "not-delivered"
		return delivery
	}

	if comm.Priority == v1.CommPriorityHalt {
		if err := r.mgr.Interrupt(ctx, ent.ID); err != nil {
			r.logger.Warn("halt interrupt failed",
				zap.String("session_id", ent.ID), zap.Error(err))
		}
	}

	item, err := r.mgr.Enqueue(ctx, ent.ID, session.EnqueueParams{
		Body:   renderComm(comm),
		Origin: "comm",
		Front:  comm.Priority == v1.CommPriorityPivot || comm.Priority == v1.CommPriorityHalt,
		Metadata: map[string]interface{}{
			"comm_id":   comm.ID,
			"comm_seq":  comm.Seq,
			"comm_from": comm.From,
			"comm_kind": string(comm.Kind),
		},
	})
	if err != nil {
		r.logger.Warn("comm not delivered",
			zap.String("minion", ent.Name),
			zap.String("comm_id", comm.ID),
			zap.Error(err))
		delivery.Reason = "not-delivered"
		return delivery
	}
	delivery.Delivered = true
	delivery.QueueItemID = item.ID
	return delivery
}

// renderComm formats the comm as the synthetic user input the recipient sees.
func renderComm(comm *v1.Comm) string {
	header := fmt.Sprintf("[comm from %s] %s", comm.From, comm.Summary)
	if comm.Body == "" {
		return header
	}
	return header + "\n\n" + comm.Body
}

func (r *Router) publishComm(comm *v1.Comm, rec eventlog.Record) {
	ev := v1.StreamEvent{
		Stream:    v1.StreamLegion,
		LegionID:  comm.LegionID,
		Seq:       rec.Seq,
		Kind:      v1.StreamEventComm,
		Timestamp: rec.Timestamp,
		Payload:   rec.Payload,
	}
	busEvent := &bus.Event{
		ID:        uuid.New().String(),
		Type:      string(v1.StreamEventComm),
		Source:    "comm-router",
		Timestamp: time.Now().UTC(),
		Data:      ev,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, events.BuildLegionStreamSubject(comm.LegionID), busEvent); err != nil {
		r.logger.Warn("failed to publish comm event",
			zap.String("legion_id", comm.LegionID), zap.Error(err))
	}
}

// History reads persisted comms for a legion, oldest first, starting after
// the given sequence cursor.
func (r *Router) History(legionID string, after uint64, limit int) ([]v1.Comm, error) {
	recs, err := r.ReadEvents(legionID, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Comm, 0, len(recs))
	for _, rec := range recs {
		var comm v1.Comm
		if err := json.Unmarshal(rec.Payload, &comm); err != nil {
			r.logger.Warn("skipping undecodable comm record",
				zap.String("legion_id", legionID),
				zap.Uint64("seq", rec.Seq), zap.Error(err))
			continue
		}
		out = append(out, comm)
	}
	return out, nil
}

// ReadEvents reads raw legion log records after the cursor. Used by the
// observer hub for legion stream replay.
func (r *Router) ReadEvents(legionID string, after uint64, limit int) ([]eventlog.Record, error) {
	if _, err := r.store.GetProject(legionID); err != nil {
		return nil, err
	}
	ll, err := r.legionLogFor(legionID)
	if err != nil {
		return nil, err
	}
	return ll.log.Read(after+1, limit)
}

// PublishLifecycle emits a minion lifecycle or schedule event on the legion
// stream. These are live-only events; they are not part of the comm log.
func (r *Router) PublishLifecycle(legionID string, kind v1.StreamEventKind, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to encode legion event payload", zap.Error(err))
		return
	}
	ev := v1.StreamEvent{
		Stream:    v1.StreamLegion,
		LegionID:  legionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	busEvent := &bus.Event{
		ID:        uuid.New().String(),
		Type:      string(kind),
		Source:    "comm-router",
		Timestamp: time.Now().UTC(),
		Data:      ev,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, events.BuildLegionStreamSubject(legionID), busEvent); err != nil {
		r.logger.Warn("failed to publish legion event",
			zap.String("legion_id", legionID), zap.Error(err))
	}
}

// Close closes all open comm logs.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, ll := range r.logs {
		ll.mu.Lock()
		if err := ll.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		ll.mu.Unlock()
		delete(r.logs, id)
	}
	return firstErr
}
