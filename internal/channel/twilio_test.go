package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsbot/internal/config"
	"whatsbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestTwilio(apiBase string) *Twilio {
	return NewTwilio(TwilioChannelConfig{
		Config: config.TwilioConfig{
			AccountSID:     "AC123",
			AuthToken:      "secret-token",
			WhatsAppNumber: "+14155238886",
			APIBase:        apiBase,
		},
		Logger: testLogger(),
	})
}

func TestTwilioNormalize_Text(t *testing.T) {
	tw := newTestTwilio("")
	ev, err := tw.Normalize(url.Values{
		"MessageSid":  {"SM1"},
		"From":        {"whatsapp:+905551112233"},
		"Body":        {"Merhaba"},
		"NumMedia":    {"0"},
		"ProfileName": {"Ahmet"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderTwilio, ev.Provider)
	assert.Equal(t, "SM1", ev.ProviderMessageID)
	assert.Equal(t, "+905551112233", ev.SenderID)
	assert.Equal(t, "whatsapp:+905551112233", ev.ChatID)
	assert.Equal(t, "Ahmet", ev.SenderName)
	assert.Equal(t, domain.KindText, ev.Kind)
	assert.Equal(t, "Merhaba", ev.Text)
	assert.Nil(t, ev.Media)
}

func TestTwilioNormalize_MediaKinds(t *testing.T) {
	tests := []struct {
		contentType string
		want        domain.MessageKind
	}{
		{"image/jpeg", domain.KindImage},
		{"audio/ogg", domain.KindAudio},
		{"video/mp4", domain.KindVideo},
		{"application/pdf", domain.KindDocument},
		{"application/msword", domain.KindDocument},
		{"application/zip", domain.KindUnknown},
	}
	tw := newTestTwilio("")
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			ev, err := tw.Normalize(url.Values{
				"MessageSid":        {"SM2"},
				"From":              {"whatsapp:+905551112233"},
				"NumMedia":          {"1"},
				"MediaUrl0":         {"https://api.twilio.com/media/ME1"},
				"MediaContentType0": {tt.contentType},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			if tt.want.HasMedia() {
				require.NotNil(t, ev.Media)
				assert.Equal(t, "https://api.twilio.com/media/ME1", ev.Media.Locator)
				assert.Equal(t, tt.contentType, ev.Media.ContentType)
			}
		})
	}
}

func TestTwilioNormalize_Location(t *testing.T) {
	ev, err := newTestTwilio("").Normalize(url.Values{
		"MessageSid": {"SM3"},
		"From":       {"whatsapp:+905551112233"},
		"Latitude":   {"41.0"},
		"Longitude":  {"29.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KindLocation, ev.Kind)
}

func TestTwilioNormalize_Errors(t *testing.T) {
	tw := newTestTwilio("")

	_, err := tw.Normalize(url.Values{"From": {"whatsapp:+905551112233"}})
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload))

	_, err = tw.Normalize(url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+905551112233"}, "NumMedia": {"x"}})
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload))

	_, err = tw.Normalize(url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+14155238886"}})
	assert.True(t, errors.Is(err, domain.ErrIgnorable), "own number is an echo")
}

func TestTwilioSend_SplitsLongBody(t *testing.T) {
	var (
		mu    sync.Mutex
		forms []url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret-token", pass)
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		mu.Lock()
		forms = append(forms, r.PostForm)
		n := len(forms)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"sid":"SM-out-`+string(rune('0'+n))+`","status":"queued"}`)
	}))
	defer srv.Close()

	tw := newTestTwilio(srv.URL)
	text := strings.Repeat("a", twilioMaxBody) + strings.Repeat("b", 10)
	sid, err := tw.Send(context.Background(), "whatsapp:+905551112233", text, &domain.OutboundMedia{URL: "https://example.com/x.png"})
	require.NoError(t, err)

	require.Len(t, forms, 2)
	assert.Equal(t, "SM-out-2", sid)
	assert.Equal(t, "whatsapp:+14155238886", forms[0].Get("From"))
	assert.Equal(t, "whatsapp:+905551112233", forms[0].Get("To"))
	assert.Equal(t, "https://example.com/x.png", forms[0].Get("MediaUrl"))
	assert.Empty(t, forms[1].Get("MediaUrl"))
	assert.Equal(t, strings.Repeat("b", 10), forms[1].Get("Body"))
}

func TestTwilioSend_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"bad"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestTwilio(srv.URL).Send(context.Background(), "+905551112233", "hi", nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestTwilioFetch_UsesBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "AC123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n"))
	}))
	defer srv.Close()

	blob, err := newTestTwilio("").Fetch(context.Background(), domain.MediaRef{Locator: srv.URL + "/m", ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	assert.NotEmpty(t, blob.Data)
}

func TestTwilioFetch_MissingURL(t *testing.T) {
	_, err := newTestTwilio("").Fetch(context.Background(), domain.MediaRef{})
	assert.True(t, errors.Is(err, domain.ErrMediaFetch))
}
