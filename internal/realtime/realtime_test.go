package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/syncerr"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"created", ActionCreated},
		{"INSERT", ActionCreated},
		{"updated", ActionUpdated},
		{"UPDATE", ActionUpdated},
		{"deleted", ActionDeleted},
		{" Delete ", ActionDeleted},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParseAction("TRUNCATE")
	assert.True(t, syncerr.IsValidation(err))
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"table":"intentions","type":"INSERT","record":{"id":"i1","owner_id":"u1","text":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, model.TableIntentions, ev.Table)
	assert.Equal(t, ActionCreated, ev.Action)
	assert.Equal(t, "intentions created", ev.String())

	ev, err = DecodeEvent([]byte(`{"table":"people","eventType":"DELETE","record":null,"old_record":{"id":"p1","owner_id":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, ev.Action)
	assert.JSONEq(t, `{"id":"p1","owner_id":"u1"}`, string(ev.Record))

	bad := []string{
		`not json`,
		`{"action":"created","record":{}}`,
		`{"table":"people","action":"merged","record":{}}`,
		`{"table":"people","action":"created"}`,
	}
	for _, in := range bad {
		_, err := DecodeEvent([]byte(in))
		assert.True(t, syncerr.IsValidation(err), in)
	}
}

func event(t *testing.T, table string, action Action, rec any) ChangeEvent {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return ChangeEvent{Table: table, Action: action, Record: data}
}

func cached[T any](t *testing.T, s *cache.Store, key cache.Key) T {
	t.Helper()
	e, ok := s.Get(key)
	require.True(t, ok, key.String())
	v, ok := cache.As[T](e)
	require.True(t, ok, "shape of %s", key)
	return v
}

func TestPatcher_PeopleList(t *testing.T) {
	s := cache.New()
	defer s.Close()
	p := NewPatcher(s)
	s.Set(model.PeopleKey("u1"), []model.Person{{ID: "p1", OwnerID: "u1", Name: "Ana"}}, cache.NeverStale())
	s.Set(model.PeopleByRelationKey("u1"), model.RelationGroups{}, cache.NeverStale())

	out := p.Apply(event(t, model.TablePeople, ActionCreated, model.Person{ID: "p2", OwnerID: "u1", Name: "Ben"}))
	assert.Equal(t, OutcomePatched, out)
	people := cached[[]model.Person](t, s, model.PeopleKey("u1"))
	require.Len(t, people, 2)
	assert.Equal(t, "Ben", people[1].Name)

	g, _ := s.Get(model.PeopleByRelationKey("u1"))
	assert.True(t, g.Invalidated, "grouped view always invalidated")

	out = p.Apply(event(t, model.TablePeople, ActionUpdated, model.Person{ID: "p1", OwnerID: "u1", Name: "Ana Maria"}))
	assert.Equal(t, OutcomePatched, out)
	people = cached[[]model.Person](t, s, model.PeopleKey("u1"))
	assert.Equal(t, "Ana Maria", people[0].Name)

	out = p.Apply(event(t, model.TablePeople, ActionDeleted, model.Ref{ID: "p1", OwnerID: "u1"}))
	assert.Equal(t, OutcomePatched, out)
	people = cached[[]model.Person](t, s, model.PeopleKey("u1"))
	require.Len(t, people, 1)
	assert.Equal(t, "p2", people[0].ID)
}

// TestPatcher_Converges checks that created → updated → deleted for one
// record ends where a fetch of the final state would.
func TestPatcher_Converges(t *testing.T) {
	s := cache.New()
	defer s.Close()
	p := NewPatcher(s)
	key := model.IntentionsKey("u1")
	base := []model.Intention{{ID: "i0", OwnerID: "u1", Text: "standing"}}
	s.Set(key, base, cache.NeverStale())

	rec := model.Intention{ID: "i1", OwnerID: "u1", Text: "exam"}
	p.Apply(event(t, model.TableIntentions, ActionCreated, rec))
	rec.Text = "exam on friday"
	p.Apply(event(t, model.TableIntentions, ActionUpdated, rec))
	p.Apply(event(t, model.TableIntentions, ActionDeleted, model.Ref{ID: "i1", OwnerID: "u1"}))

	assert.Equal(t, base, cached[[]model.Intention](t, s, key))

	// Without the delete the list matches a fetch of the updated record.
	p.Apply(event(t, model.TableIntentions, ActionCreated, rec))
	assert.Equal(t, append(append([]model.Intention(nil), base...), rec), cached[[]model.Intention](t, s, key))
}

func TestPatcher_FallsBackToInvalidation(t *testing.T) {
	s := cache.New()
	defer s.Close()
	p := NewPatcher(s)

	// Absent entry.
	assert.Equal(t, OutcomeInvalidated, p.Apply(event(t, model.TableIntentions, ActionCreated,
		model.Intention{ID: "i1", OwnerID: "u1", Text: "x"})))

	// Shape mismatch: restored raw JSON.
	s.Set(model.IntentionsKey("u1"), json.RawMessage(`[]`), cache.NeverStale())
	assert.Equal(t, OutcomeInvalidated, p.Apply(event(t, model.TableIntentions, ActionCreated,
		model.Intention{ID: "i1", OwnerID: "u1", Text: "x"})))
	e, _ := s.Get(model.IntentionsKey("u1"))
	assert.True(t, e.Invalidated)

	// Record fails validation.
	s.Set(model.IntentionsKey("u2"), []model.Intention{}, cache.NeverStale())
	assert.Equal(t, OutcomeInvalidated, p.Apply(event(t, model.TableIntentions, ActionUpdated,
		map[string]any{"id": "i1", "owner_id": "u2"})))

	// Prayer record delete without day key invalidates every day.
	day1 := model.PrayerRecordsKey("u1", "2026-10-16")
	day2 := model.PrayerRecordsKey("u1", "2026-10-17")
	s.Set(day1, []model.PrayerRecord{}, cache.NeverStale())
	s.Set(day2, []model.PrayerRecord{}, cache.NeverStale())
	assert.Equal(t, OutcomeInvalidated, p.Apply(event(t, model.TablePrayerRecords, ActionDeleted, model.Ref{ID: "r1", OwnerID: "u1"})))
	for _, k := range []cache.Key{day1, day2} {
		e, _ := s.Get(k)
		assert.True(t, e.Invalidated, k.String())
	}
}

func TestPatcher_PrayerRecords(t *testing.T) {
	s := cache.New()
	defer s.Close()
	var outcomes []Outcome
	p := NewPatcher(s, WithObserver(func(_ ChangeEvent, o Outcome) { outcomes = append(outcomes, o) }))
	key := model.PrayerRecordsKey("u1", "2026-10-17")
	s.Set(key, []model.PrayerRecord{}, cache.NeverStale())

	rec := model.PrayerRecord{ID: "r1", OwnerID: "u1", DayKey: "2026-10-17", Period: model.PeriodMorning}
	p.Apply(event(t, model.TablePrayerRecords, ActionCreated, rec))
	records := cached[[]model.PrayerRecord](t, s, key)
	require.Len(t, records, 1)
	assert.Equal(t, model.PeriodMorning, records[0].Period)

	p.Apply(event(t, model.TablePrayerRecords, ActionDeleted, model.Ref{ID: "r1", OwnerID: "u1", DayKey: "2026-10-17"}))
	assert.Empty(t, cached[[]model.PrayerRecord](t, s, key))
	assert.Equal(t, []Outcome{OutcomePatched, OutcomePatched}, outcomes)
}

func TestPatcher_Ignored(t *testing.T) {
	s := cache.New()
	defer s.Close()
	p := NewPatcher(s)
	assert.Equal(t, OutcomeIgnored, p.Apply(event(t, "sermons", ActionCreated, model.Ref{ID: "x", OwnerID: "u1"})))
	assert.Equal(t, OutcomeIgnored, p.Apply(event(t, model.TablePeople, ActionCreated, map[string]any{"name": "no id"})))
}

func TestWebSocketSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"table":"intentions","action":"created","record":{"id":"i1","owner_id":"u1","text":"x"}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`garbage`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"table":"people","type":"DELETE","old_record":{"id":"p1","owner_id":"u1"}}`))
		conn.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	src := &WebSocketSource{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Header: http.Header{"Authorization": []string{"Bearer t0k"}},
	}
	var got []ChangeEvent
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := src.Run(ctx, func(ev ChangeEvent) { got = append(got, ev) })
	require.Error(t, err)
	assert.NoError(t, ctx.Err())
	require.Len(t, got, 2)
	assert.Equal(t, ActionCreated, got[0].Action)
	assert.Equal(t, ActionDeleted, got[1].Action)
}

func TestWebSocketSource_DialError(t *testing.T) {
	src := &WebSocketSource{URL: "ws://127.0.0.1:1/changes"}
	err := src.Run(context.Background(), func(ChangeEvent) {})
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 5 * time.Second, MaxAttempts: 5}
	var delays []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, delays)

	b.Reset()
	d, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
}

type flakySource struct {
	mu    sync.Mutex
	runs  int
	event ChangeEvent
}

func (f *flakySource) Run(ctx context.Context, handle func(ChangeEvent)) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	handle(f.event)
	return errors.New("connection reset")
}

func TestRunWithReconnect_GivesUp(t *testing.T) {
	src := &flakySource{event: ChangeEvent{Table: model.TablePeople, Action: ActionCreated}}
	b := &Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}
	var handled, reconnects int

	err := RunWithReconnect(context.Background(), src, func(ChangeEvent) { handled++ }, b, nil, nil,
		func(int, time.Duration) { reconnects++ })
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, 4, src.runs)
	assert.Equal(t, 4, handled)
	assert.Equal(t, 3, reconnects)
}

func TestRunWithReconnect_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &flakySource{}
	b := &Backoff{Base: time.Hour, Max: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- RunWithReconnect(ctx, src, func(ChangeEvent) {}, b, nil, nil, nil)
	}()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.runs == 1
	}, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

// TestMQTTSource runs against a live broker named by PRAYERSYNC_TEST_MQTT,
// e.g. tcp://localhost:1883.
func TestMQTTSource(t *testing.T) {
	broker := os.Getenv("PRAYERSYNC_TEST_MQTT")
	if broker == "" {
		t.Skip("PRAYERSYNC_TEST_MQTT not set")
	}
	assert.Equal(t, "prayersync/u1/changes", Topic("u1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(chan ChangeEvent, 1)
	src := &MQTTSource{Broker: broker, ClientID: "prayersync-test-sub", Owner: "u1", QoS: 1}
	go func() {
		_ = src.Run(ctx, func(ev ChangeEvent) {
			select {
			case got <- ev:
			default:
			}
		})
	}()

	pub := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(broker).SetClientID("prayersync-test-pub"))
	token := pub.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer pub.Disconnect(250)

	payload := []byte(`{"table":"intentions","action":"updated","record":{"id":"i1","owner_id":"u1","text":"x"}}`)
	for {
		pub.Publish(Topic("u1"), 1, false, payload).Wait()
		select {
		case ev := <-got:
			assert.Equal(t, ActionUpdated, ev.Action)
			return
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
