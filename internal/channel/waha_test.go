package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsbot/internal/config"
	"whatsbot/internal/domain"
)

// wahaRecorder is a fake WAHA gateway that records every call in order.
type wahaRecorder struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
	fail   map[string]int // path -> status to answer with
}

func (rec *wahaRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	rec.mu.Lock()
	rec.paths = append(rec.paths, r.URL.Path)
	rec.bodies = append(rec.bodies, body)
	status := rec.fail[r.URL.Path]
	rec.mu.Unlock()

	if status != 0 {
		http.Error(w, "boom", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/sendText", "/api/sendImage", "/api/sendFile", "/api/sendAudio", "/api/sendVideo":
		_, _ = io.WriteString(w, `{"id":{"fromMe":true,"_serialized":"true_905551112233@c.us_OUT"}}`)
	case "/api/sessions/default":
		_, _ = io.WriteString(w, `{"name":"default","status":"WORKING"}`)
	default:
		_, _ = io.WriteString(w, `{}`)
	}
}

func (rec *wahaRecorder) Paths() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.paths...)
}

func newTestWAHA(t *testing.T, rec *wahaRecorder) (*WAHA, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	w := NewWAHA(WAHAChannelConfig{
		Config: config.WAHAConfig{
			APIURL: srv.URL,
			APIKey: "waha-key",
		},
		Logger: testLogger(),
	})
	var slept []time.Duration
	w.rnd = func() float64 { return 0.5 }
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return w, &slept
}

func TestTypingDelay_Clamped(t *testing.T) {
	tests := []struct {
		length  int
		perChar float64
		want    time.Duration
	}{
		{0, 0.05, time.Second},
		{10, 0.05, time.Second},
		{40, 0.05, 2 * time.Second},
		{40, 0.1, 4 * time.Second},
		{1000, 0.1, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypingDelay(tt.length, tt.perChar), "length=%d perChar=%v", tt.length, tt.perChar)
	}
}

func TestTypingDelay_Bounds(t *testing.T) {
	for n := 0; n < 500; n += 7 {
		for _, pc := range []float64{minPerChar, 0.075, maxPerChar} {
			d := TypingDelay(n, pc)
			assert.GreaterOrEqual(t, d, time.Second)
			assert.LessOrEqual(t, d, 5*time.Second)
		}
	}
}

func TestWAHASend_TypingSequenceOrder(t *testing.T) {
	rec := &wahaRecorder{}
	w, slept := newTestWAHA(t, rec)

	id, err := w.Send(context.Background(), "905551112233@c.us", "Merhaba, nasılsın? Bugün sana nasıl yardımcı olabilirim?", nil)
	require.NoError(t, err)
	assert.Equal(t, "true_905551112233@c.us_OUT", id)

	assert.Equal(t, []string{"/api/sendSeen", "/api/startTyping", "/api/stopTyping", "/api/sendText"}, rec.Paths())
	require.Len(t, *slept, 1)
	// 56 runes at 0.075 s/char
	assert.InDelta(t, 4.2, (*slept)[0].Seconds(), 0.001)

	last := rec.bodies[len(rec.bodies)-1]
	assert.Equal(t, "default", last["session"])
	assert.Equal(t, "905551112233@c.us", last["chatId"])
}

func TestWAHASend_PresenceFailureDoesNotAbort(t *testing.T) {
	rec := &wahaRecorder{fail: map[string]int{
		"/api/sendSeen":    http.StatusInternalServerError,
		"/api/startTyping": http.StatusInternalServerError,
	}}
	w, _ := newTestWAHA(t, rec)

	_, err := w.Send(context.Background(), "905551112233@c.us", "hi", nil)
	require.NoError(t, err)
	assert.Contains(t, rec.Paths(), "/api/sendText")
}

func TestWAHASend_DeliveryFailure(t *testing.T) {
	rec := &wahaRecorder{fail: map[string]int{"/api/sendText": http.StatusBadGateway}}
	w, _ := newTestWAHA(t, rec)

	_, err := w.Send(context.Background(), "905551112233@c.us", "hi", nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestWAHASend_CancelledDuringTyping(t *testing.T) {
	rec := &wahaRecorder{}
	w, _ := newTestWAHA(t, rec)
	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := w.Send(ctx, "905551112233@c.us", "hi", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, rec.Paths(), "/api/sendText")
}

func TestWAHASend_BarePhoneTypesBeforeEverySend(t *testing.T) {
	rec := &wahaRecorder{}
	w, slept := newTestWAHA(t, rec)

	for range 2 {
		_, err := w.Send(context.Background(), "+905551112233", "hi", nil)
		require.NoError(t, err)
	}
	seq := []string{"/api/sendSeen", "/api/startTyping", "/api/stopTyping", "/api/sendText"}
	assert.Equal(t, append(seq, seq...), rec.Paths())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *slept)
	for _, b := range rec.bodies {
		assert.Equal(t, "905551112233@c.us", b["chatId"], "bare phones become c.us ids")
	}
}

func TestWAHASend_Media(t *testing.T) {
	rec := &wahaRecorder{}
	w, _ := newTestWAHA(t, rec)

	_, err := w.Send(context.Background(), "905551112233@c.us", "see attached", &domain.OutboundMedia{
		URL: "https://files.example/report.pdf", ContentType: "application/pdf", Filename: "report.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/sendSeen", "/api/startTyping", "/api/stopTyping", "/api/sendFile"}, rec.Paths())
	last := rec.bodies[len(rec.bodies)-1]
	assert.Equal(t, "see attached", last["caption"])
	assert.Equal(t, map[string]any{
		"url": "https://files.example/report.pdf", "mimetype": "application/pdf", "filename": "report.pdf",
	}, last["file"])
}

func TestWAHANormalize_Text(t *testing.T) {
	w := NewWAHA(WAHAChannelConfig{Logger: testLogger()})
	ev, err := w.Normalize([]byte(`{
		"event": "message",
		"session": "default",
		"payload": {
			"id": "false_905551112233@c.us_ABC",
			"timestamp": 1700000000,
			"from": "905551112233@c.us",
			"fromMe": false,
			"body": "Selam",
			"hasMedia": false,
			"_data": {"notifyName": "Mehmet", "type": "chat"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderWAHA, ev.Provider)
	assert.Equal(t, "false_905551112233@c.us_ABC", ev.ProviderMessageID)
	assert.Equal(t, "+905551112233", ev.SenderID)
	assert.Equal(t, "905551112233@c.us", ev.ChatID)
	assert.Equal(t, "Mehmet", ev.SenderName)
	assert.Equal(t, domain.KindText, ev.Kind)
	assert.Equal(t, "Selam", ev.Text)
}

func TestWAHANormalize_GroupUsesParticipant(t *testing.T) {
	w := NewWAHA(WAHAChannelConfig{Logger: testLogger()})
	ev, err := w.Normalize([]byte(`{"event":"message","payload":{
		"id":{"_serialized":"false_1203@g.us_X"},
		"from":"120363025@g.us",
		"participant":"905551112233@c.us",
		"body":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "+905551112233", ev.SenderID)
	assert.Equal(t, "120363025@g.us", ev.ChatID)
	assert.Equal(t, "false_1203@g.us_X", ev.ProviderMessageID)
}

func TestWAHANormalize_KindResolution(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    domain.MessageKind
	}{
		{"voice type", `{"id":"1","from":"9055@c.us","type":"ptt","hasMedia":true,"media":{"url":"http://w/a.ogg","mimetype":"audio/ogg"}}`, domain.KindAudio},
		{"data type", `{"id":"1","from":"9055@c.us","_data":{"type":"document"}}`, domain.KindDocument},
		{"mime image", `{"id":"1","from":"9055@c.us","hasMedia":true,"media":{"mimetype":"image/png"}}`, domain.KindImage},
		{"other mime is document", `{"id":"1","from":"9055@c.us","hasMedia":true,"media":{"mimetype":"application/zip"}}`, domain.KindDocument},
		{"media without type", `{"id":"1","from":"9055@c.us","hasMedia":true}`, domain.KindImage},
		{"plain", `{"id":"1","from":"9055@c.us","body":"x"}`, domain.KindText},
		{"sticker", `{"id":"1","from":"9055@c.us","type":"sticker"}`, domain.KindUnknown},
	}
	w := NewWAHA(WAHAChannelConfig{Logger: testLogger()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := w.Normalize([]byte(`{"event":"message","payload":` + tt.payload + `}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
		})
	}
}

func TestWAHANormalize_MediaRef(t *testing.T) {
	w := NewWAHA(WAHAChannelConfig{Logger: testLogger()})
	ev, err := w.Normalize([]byte(`{"event":"message","payload":{
		"id":"m1","from":"905551112233@c.us","type":"document","caption":"rapor",
		"media":{"url":"http://waha:3000/api/files/m1.pdf","mimetype":"application/pdf","filename":"rapor.pdf"}}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Media)
	assert.Equal(t, "http://waha:3000/api/files/m1.pdf", ev.Media.Locator)
	assert.Equal(t, "application/pdf", ev.Media.ContentType)
	assert.Equal(t, "rapor.pdf", ev.Media.Filename)
	assert.Equal(t, "rapor", ev.Text)
}

func TestWAHANormalize_Ignorable(t *testing.T) {
	w := NewWAHA(WAHAChannelConfig{Logger: testLogger()})

	_, err := w.Normalize([]byte(`{"event":"session.status","payload":{"status":"WORKING"}}`))
	assert.True(t, errors.Is(err, domain.ErrIgnorable))

	_, err = w.Normalize([]byte(`{"event":"message","payload":{"id":"1","from":"9055@c.us","fromMe":true}}`))
	assert.True(t, errors.Is(err, domain.ErrIgnorable))
}

func TestWAHANormalize_Malformed(t *testing.T) {
	w := NewWAHA(WAHAChannelConfig{Logger: testLogger()})

	for _, body := range []string{
		`not json`,
		`{"event":"message"}`,
		`{"event":"message","payload":{"from":"9055@c.us"}}`,
		`{"event":"message","payload":{"id":"1"}}`,
	} {
		_, err := w.Normalize([]byte(body))
		assert.True(t, errors.Is(err, domain.ErrMalformedPayload), body)
	}
}

func TestWAHAVerifyAPIKey(t *testing.T) {
	w := NewWAHA(WAHAChannelConfig{Config: config.WAHAConfig{APIKey: "k"}, Logger: testLogger()})
	assert.True(t, w.VerifyAPIKey("k"))
	assert.False(t, w.VerifyAPIKey("x"))
	assert.False(t, w.VerifyAPIKey(""))

	open := NewWAHA(WAHAChannelConfig{Logger: testLogger()})
	assert.True(t, open.VerifyAPIKey(""))
}

func TestWAHASessionStatus(t *testing.T) {
	w, _ := newTestWAHA(t, &wahaRecorder{})
	status, err := w.SessionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "WORKING", status)
}
