package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch/internal/pipeline"
)

func savedEvent() pipeline.ViolationEvent {
	return pipeline.ViolationEvent{
		ID:            3,
		Classes:       []string{"no_glove", "no_head"},
		Confidences:   []float64{0.6, 0.8},
		TimeSec:       12.5,
		WallTimeFirst: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ClipPath:      "/out/clips/event_3_no_glove_no_head_12s.mp4",
		Status:        pipeline.StatusSaved,
	}
}

func TestNewSummary(t *testing.T) {
	s := NewSummary("task_1", savedEvent())

	assert.Equal(t, 3, s.EventID)
	assert.Equal(t, []string{"no_glove", "no_head"}, s.ClassNames)
	require.NotNil(t, s.AvgConf)
	assert.InDelta(t, 0.7, *s.AvgConf, 1e-9)
	assert.Equal(t, "2024-05-01T10:00:00Z", s.WallTimeFirst)
	assert.Equal(t, "task_1", s.RunID)

	empty := NewSummary("", pipeline.ViolationEvent{ID: 1})
	assert.Nil(t, empty.AvgConf)

	raw, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"avg_conf":null`)
}

func TestWebhookSinkPostsSummary(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	require.NoError(t, sink.Send(context.Background(), NewSummary("task_1", savedEvent())))

	assert.EqualValues(t, 3, got["event_id"])
	assert.Equal(t, []any{"no_glove", "no_head"}, got["class_names"])
	assert.InDelta(t, 0.7, got["avg_conf"], 1e-9)
	assert.EqualValues(t, 12.5, got["time_s"])
	assert.Equal(t, "/out/clips/event_3_no_glove_no_head_12s.mp4", got["clip_path"])
}

func TestWebhookSinkNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, time.Second).Send(context.Background(), Summary{EventID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Less(t, len(err.Error()), 300, "body is truncated")
}

func TestWebhookSinkTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, 20*time.Millisecond).Send(context.Background(), Summary{EventID: 1})
	assert.Error(t, err)
}

type fakeSink struct {
	name  string
	err   error
	calls atomic.Int32
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(context.Context, Summary) error {
	f.calls.Add(1)
	return f.err
}

func TestMultiIsolatesFailures(t *testing.T) {
	broken := &fakeSink{name: "broken", err: errors.New("boom")}
	quiet := &fakeSink{name: "quiet", err: ErrSuppressed}
	ok := &fakeSink{name: "ok"}

	m := NewMulti(nil, broken, nil, quiet, ok)
	assert.Equal(t, 3, m.Len())

	assert.NotPanics(t, func() {
		m.Notify(context.Background(), "run", savedEvent())
	})
	assert.EqualValues(t, 1, broken.calls.Load())
	assert.EqualValues(t, 1, quiet.calls.Load())
	assert.EqualValues(t, 1, ok.calls.Load())

	extra := &fakeSink{name: "extra"}
	m2 := m.With(extra)
	assert.Equal(t, 4, m2.Len())
	assert.Equal(t, 3, m.Len(), "With does not modify the receiver")
}

type stallingSink struct {
	name string
}

func (s *stallingSink) Name() string { return s.name }

func (s *stallingSink) Send(ctx context.Context, _ Summary) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingSink struct {
	name string
	err  atomic.Value
	sent atomic.Bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, _ Summary) error {
	if err := ctx.Err(); err != nil {
		s.err.Store(err)
		return err
	}
	s.sent.Store(true)
	return nil
}

func TestMultiSlowSinkDoesNotStarveLaterSinks(t *testing.T) {
	upload := &recordingSink{name: "upload"}
	m := NewMulti(nil, &stallingSink{name: "webhook"}, upload)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	began := time.Now()
	m.Notify(ctx, "run", savedEvent())

	assert.True(t, upload.sent.Load(), "sink after a stalled one still delivers")
	assert.Nil(t, upload.err.Load())
	assert.Less(t, time.Since(began), 2*time.Second, "Notify is bounded by the caller deadline")
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPSinkPublishes(t *testing.T) {
	ch := &fakeChannel{}
	sink := newAMQPSink(ch, "events", "")

	require.NoError(t, sink.Send(context.Background(), NewSummary("task_1", savedEvent())))
	assert.Equal(t, "events", ch.exchange)
	assert.Equal(t, DefaultRoutingKey, ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "task_1", ch.msg.Headers["x-run-id"])

	var s Summary
	require.NoError(t, json.Unmarshal(ch.msg.Body, &s))
	assert.Equal(t, 3, s.EventID)

	ch.err = errors.New("channel closed")
	assert.Error(t, sink.Send(context.Background(), Summary{}))
}

type doneToken struct {
	done chan struct{}
	err  error
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mqtt.Client
	connected bool
	topic     string
	payload   []byte
	err       error
}

func (f *fakeMQTT) IsConnectionOpen() bool { return f.connected }

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return newDoneToken(f.err)
}

func TestMQTTSinkPublishes(t *testing.T) {
	client := &fakeMQTT{connected: true}
	sink := NewMQTTSink(client, "plant/line1/", 1)
	assert.Equal(t, "plant/line1/events", sink.Topic())

	require.NoError(t, sink.Send(context.Background(), NewSummary("r", savedEvent())))
	assert.Equal(t, "plant/line1/events", client.topic)
	assert.Contains(t, string(client.payload), `"event_id":3`)

	client.connected = false
	assert.Error(t, sink.Send(context.Background(), Summary{}))

	client.connected = true
	client.err = errors.New("not authorized")
	assert.Error(t, sink.Send(context.Background(), Summary{}))
}

func TestTelegramSinkCooldown(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["chat_id"])
		assert.Contains(t, body["text"], "no_glove, no_head")

		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	sink := NewTelegramSink(TelegramConfig{BotToken: "TOKEN", ChatID: "42", CooldownSeconds: 60, APIBase: srv.URL})
	s := NewSummary("r", savedEvent())

	require.NoError(t, sink.Send(context.Background(), s))
	assert.ErrorIs(t, sink.Send(context.Background(), s), ErrSuppressed)

	// Same label set in a different order shares the cooldown
	s.ClassNames = []string{"no_head", "no_glove"}
	assert.ErrorIs(t, sink.Send(context.Background(), s), ErrSuppressed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTelegramSinkAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":false,"error_code":400,"description":"chat not found"}`)
	}))
	defer srv.Close()

	sink := NewTelegramSink(TelegramConfig{BotToken: "T", ChatID: "1", APIBase: srv.URL})
	err := sink.Send(context.Background(), Summary{ClassNames: []string{"x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	assert.Error(t, TelegramConfig{ChatID: "1"}.Validate())
	assert.NoError(t, TelegramConfig{BotToken: "T", ChatID: "1"}.Validate())
}
