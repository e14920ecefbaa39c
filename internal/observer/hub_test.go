package observer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/events/bus"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

type fixture struct {
	store  *state.Store
	mgr    *session.Manager
	router *comms.Router
	hub    *Hub
}

func newFixture(t *testing.T, hubCfg config.HubConfig) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Agent:   config.AgentConfig{Binary: "claude", InitTimeout: 5, StopGrace: 1},
		Session: config.SessionConfig{QueueDepth: 256},
		Hub:     hubCfg,
	}
	store := state.NewStore(cfg.DataDir, log)
	require.NoError(t, store.LoadAll())
	eventBus := bus.NewMemoryEventBus(log)
	mgr := session.NewManager(store, eventBus, cfg, log)
	router := comms.NewRouter(store, mgr, eventBus, log)
	hub := NewHub(store, mgr, router, eventBus, cfg.Hub, log)
	require.NoError(t, hub.Start(context.Background()))

	_, err = store.CreateProject(&state.Project{
		ID: "legion-1", Name: "legion", WorkingDir: "/tmp", IsLegion: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		hub.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		router.Close()
	})
	return &fixture{store: store, mgr: mgr, router: router, hub: hub}
}

func (f *fixture) minion(t *testing.T, name string) *v1.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.mgr.CreateSession(ctx, v1.CreateSessionRequest{
		ProjectID: "legion-1", Name: name, AgentKind: "mock",
	})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, sess.ID))
	waitFor(t, "minion active", func() bool {
		ent, err := f.store.GetSession(sess.ID)
		return err == nil && ent.State == v1.SessionStateActive
	})
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collect drains events until idleFor elapses with nothing new.
func collect(sub *Subscriber, idleFor time.Duration) []v1.StreamEvent {
	var out []v1.StreamEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			if ev.Kind == v1.StreamEventHeartbeat {
				continue
			}
			out = append(out, ev)
		case <-time.After(idleFor):
			return out
		}
	}
}

func maxSeq(events []v1.StreamEvent) uint64 {
	var max uint64
	for _, ev := range events {
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max
}

func TestSessionStreamResumesFromCursor(t *testing.T) {
	f := newFixture(t, config.HubConfig{SubscriberBuffer: 256})
	sess := f.minion(t, "scout")
	ctx := context.Background()

	_, err := f.mgr.SendMessage(ctx, sess.ID, "first", nil)
	require.NoError(t, err)
	waitFor(t, "first turn done", func() bool {
		ent, _ := f.store.GetSession(sess.ID)
		return ent != nil && !ent.Processing
	})

	first, err := f.hub.SubscribeSession(sess.ID, 0)
	require.NoError(t, err)
	initial := collect(first, 200*time.Millisecond)
	require.NotEmpty(t, initial)
	cursor := maxSeq(initial)
	f.hub.Unsubscribe(first)
	assert.Equal(t, ReasonUnsubscribed, first.Reason())

	// Events keep flowing while nobody watches.
	_, err = f.mgr.SendMessage(ctx, sess.ID, "second", nil)
	require.NoError(t, err)
	waitFor(t, "second turn done", func() bool {
		ent, _ := f.store.GetSession(sess.ID)
		return ent != nil && !ent.Processing
	})

	second, err := f.hub.SubscribeSession(sess.ID, cursor)
	require.NoError(t, err)
	resumed := collect(second, 200*time.Millisecond)
	require.NotEmpty(t, resumed)

	// Gap-free and duplicate-free from cursor+1.
	assert.Equal(t, cursor+1, resumed[0].Seq)
	for i := 1; i < len(resumed); i++ {
		assert.Equal(t, resumed[i-1].Seq+1, resumed[i].Seq)
	}
	f.hub.Unsubscribe(second)
}

func TestReplaySplicesWithLiveEvents(t *testing.T) {
	f := newFixture(t, config.HubConfig{SubscriberBuffer: 256})
	sess := f.minion(t, "scout")
	ctx := context.Background()

	// Subscribe while a turn is in flight so replay and live overlap.
	_, err := f.mgr.SendMessage(ctx, sess.ID, "busy work", nil)
	require.NoError(t, err)
	sub, err := f.hub.SubscribeSession(sess.ID, 0)
	require.NoError(t, err)
	waitFor(t, "turn done", func() bool {
		ent, _ := f.store.GetSession(sess.ID)
		return ent != nil && !ent.Processing
	})

	events := collect(sub, 200*time.Millisecond)
	require.NotEmpty(t, events)
	seen := map[uint64]bool{}
	last := uint64(0)
	for _, ev := range events {
		if ev.Seq == 0 {
			continue
		}
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		assert.Greater(t, ev.Seq, last, "out of order at seq %d", ev.Seq)
		seen[ev.Seq] = true
		last = ev.Seq
	}
	f.hub.Unsubscribe(sub)
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	f := newFixture(t, config.HubConfig{SubscriberBuffer: 2})
	sess := f.minion(t, "scout")
	ctx := context.Background()

	sub, err := f.hub.SubscribeSession(sess.ID, 0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // let the empty replay finish

	// Nobody reads; a few turns overflow the buffer of two.
	for i := 0; i < 3; i++ {
		_, err = f.mgr.SendMessage(ctx, sess.ID, "spam", nil)
		require.NoError(t, err)
		waitFor(t, "turn done", func() bool {
			ent, _ := f.store.GetSession(sess.ID)
			return ent != nil && !ent.Processing
		})
	}

	waitFor(t, "subscriber dropped", func() bool {
		return sub.Reason() == ReasonLagged
	})
	// The channel is closed after the buffered prefix.
	for range sub.Events() {
	}
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	f := newFixture(t, config.HubConfig{SubscriberBuffer: 64, HeartbeatInterval: 1, AckGrace: 1})
	sess := f.minion(t, "scout")

	quiet, err := f.hub.SubscribeSession(sess.ID, 0)
	require.NoError(t, err)
	lively, err := f.hub.SubscribeSession(sess.ID, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-lively.Events():
				if !ok {
					return
				}
				if ev.Kind == v1.StreamEventHeartbeat {
					lively.Ack()
				}
			case <-time.After(5 * time.Second):
				return
			}
		}
	}()

	waitFor(t, "quiet subscriber dropped", func() bool {
		return quiet.Reason() == ReasonHeartbeatTimeout
	})
	assert.Empty(t, lively.Reason(), "acknowledging subscriber stays attached")
	f.hub.Unsubscribe(lively)
	<-done
}

func TestUISnapshotThenLive(t *testing.T) {
	f := newFixture(t, config.HubConfig{SubscriberBuffer: 256})
	sess := f.minion(t, "scout")

	sub, err := f.hub.SubscribeUI(0)
	require.NoError(t, err)
	snapshot := collect(sub, 200*time.Millisecond)
	// One project plus one session, all synthetic state changes.
	require.GreaterOrEqual(t, len(snapshot), 2)
	for _, ev := range snapshot {
		assert.Equal(t, v1.StreamEventStateChange, ev.Kind)
		assert.Zero(t, ev.Seq)
	}

	// Live state changes follow.
	require.NoError(t, f.mgr.Terminate(context.Background(), sess.ID))
	waitFor(t, "live ui event", func() bool {
		return len(collect(sub, 100*time.Millisecond)) > 0
	})
	f.hub.Unsubscribe(sub)

	// A non-zero cursor skips the snapshot.
	skip, err := f.hub.SubscribeUI(1)
	require.NoError(t, err)
	assert.Empty(t, collect(skip, 200*time.Millisecond))
	f.hub.Unsubscribe(skip)
}

func TestLegionStreamCarriesComms(t *testing.T) {
	f := newFixture(t, config.HubConfig{SubscriberBuffer: 256})
	f.minion(t, "alpha")
	f.minion(t, "beta")
	ctx := context.Background()

	_, err := f.router.Send(ctx, v1.SendCommRequest{
		LegionID: "legion-1", From: "alpha", To: "beta",
		Kind: v1.CommKindInfo, Summary: "before subscribe",
	})
	require.NoError(t, err)

	sub, err := f.hub.SubscribeLegion("legion-1", 0)
	require.NoError(t, err)

	_, err = f.router.Send(ctx, v1.SendCommRequest{
		LegionID: "legion-1", From: "alpha", To: "beta",
		Kind: v1.CommKindInfo, Summary: "after subscribe",
	})
	require.NoError(t, err)

	waitFor(t, "both comms observed", func() bool {
		return len(collect(sub, 100*time.Millisecond)) >= 1
	})
	f.hub.Unsubscribe(sub)

	_, err = f.hub.SubscribeLegion("missing", 0)
	assert.ErrorIs(t, err, state.ErrNotFound)
}
