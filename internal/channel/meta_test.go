package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsbot/internal/config"
	"whatsbot/internal/domain"
	"whatsbot/internal/media"
	"whatsbot/internal/security"
)

func newTestMeta(apiBase string) *Meta {
	return NewMeta(MetaChannelConfig{
		Config: config.MetaConfig{
			AccessToken:   "meta-token",
			PhoneNumberID: "1001",
			VerifyToken:   "verify-me",
			AppSecret:     "app-secret",
			APIBase:       apiBase,
		},
		Logger: testLogger(),
	})
}

const metaTextDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "905551112233", "profile": {"name": "Ayşe"}}],
        "messages": [
          {"from": "905551112233", "id": "wamid.A", "timestamp": "1700000000", "type": "text", "text": {"body": "Selam"}},
          {"from": "905551112233", "id": "wamid.B", "timestamp": "1700000001", "type": "image",
           "image": {"id": "MEDIA1", "mime_type": "image/jpeg", "caption": "bak"}}
        ]
      }
    }]
  }]
}`

func TestMetaNormalize_MultipleMessages(t *testing.T) {
	events, err := newTestMeta("").Normalize([]byte(metaTextDelivery))
	require.NoError(t, err)
	require.Len(t, events, 2)

	text := events[0]
	assert.Equal(t, domain.ProviderMeta, text.Provider)
	assert.Equal(t, "wamid.A", text.ProviderMessageID)
	assert.Equal(t, "+905551112233", text.SenderID)
	assert.Equal(t, "905551112233", text.ChatID)
	assert.Equal(t, "Ayşe", text.SenderName)
	assert.Equal(t, domain.KindText, text.Kind)
	assert.Equal(t, "Selam", text.Text)
	assert.Equal(t, int64(1700000000), text.ReceivedAt.Unix())

	img := events[1]
	assert.Equal(t, domain.KindImage, img.Kind)
	assert.Equal(t, "bak", img.Text)
	require.NotNil(t, img.Media)
	assert.Equal(t, "MEDIA1", img.Media.Locator)
	assert.Equal(t, "image/jpeg", img.Media.ContentType)
}

func TestMetaNormalize_StatusUpdateIsIgnorable(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"read"}]}}]}]}`
	_, err := newTestMeta("").Normalize([]byte(body))
	assert.True(t, errors.Is(err, domain.ErrIgnorable))
}

func TestMetaNormalize_InvalidJSON(t *testing.T) {
	_, err := newTestMeta("").Normalize([]byte(`{not json`))
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload))
}

func TestMetaNormalize_UnknownTypeNotAnError(t *testing.T) {
	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"905551112233","id":"wamid.S","type":"sticker"}]}}]}]}`
	events, err := newTestMeta("").Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindUnknown, events[0].Kind)
}

func TestMetaNormalize_MissingTypeUsesDeclaredMIME(t *testing.T) {
	body := `{"entry":[{"changes":[{"value":{"messages":[
	  {"from":"905551112233","id":"wamid.M1","image":{"id":"MEDIA9","mime_type":"image/webp"}},
	  {"from":"905551112233","id":"wamid.M2","document":{"id":"MEDIA10","mime_type":"application/pdf","filename":"a.pdf"}},
	  {"from":"905551112233","id":"wamid.M3"}
	]}}]}]}`
	events, err := newTestMeta("").Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, domain.KindImage, events[0].Kind)
	require.NotNil(t, events[0].Media)
	assert.Equal(t, "MEDIA9", events[0].Media.Locator)
	assert.Equal(t, domain.KindDocument, events[1].Kind)
	assert.Equal(t, "a.pdf", events[1].Media.Filename)
	assert.Equal(t, domain.KindUnknown, events[2].Kind)
	assert.Nil(t, events[2].Media)
}

func TestMetaVerifyChallenge(t *testing.T) {
	m := newTestMeta("")

	got, ok := m.VerifyChallenge("subscribe", "verify-me", "12345")
	assert.True(t, ok)
	assert.Equal(t, "12345", got)

	_, ok = m.VerifyChallenge("subscribe", "wrong", "12345")
	assert.False(t, ok)
	_, ok = m.VerifyChallenge("unsubscribe", "verify-me", "12345")
	assert.False(t, ok)
}

func TestMetaVerifySignature(t *testing.T) {
	m := newTestMeta("")
	body := []byte(metaTextDelivery)

	assert.True(t, m.VerifySignature(body, security.MetaSignature("app-secret", body)))
	assert.False(t, m.VerifySignature(body, security.MetaSignature("other", body)))
	assert.False(t, m.VerifySignature(body, ""))

	open := NewMeta(MetaChannelConfig{Logger: testLogger()})
	assert.True(t, open.VerifySignature(body, ""), "no app secret disables the check")
}

func TestMetaSend_Text(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1001/messages", r.URL.Path)
		assert.Equal(t, "Bearer meta-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.OUT"}]}`)
	}))
	defer srv.Close()

	id, err := newTestMeta(srv.URL).Send(context.Background(), "+905551112233", "Merhaba", nil)
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT", id)
	assert.Equal(t, "905551112233", got["to"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, map[string]any{"preview_url": false, "body": "Merhaba"}, got["text"])
}

func TestMetaSend_MediaCaption(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		bodies = append(bodies, m)
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.M"}]}`)
	}))
	defer srv.Close()

	m := newTestMeta(srv.URL)
	_, err := m.Send(context.Background(), "905551112233", "caption", &domain.OutboundMedia{URL: "https://x/a.pdf", ContentType: "application/pdf", Filename: "a.pdf"})
	require.NoError(t, err)
	_, err = m.Send(context.Background(), "905551112233", "ignored", &domain.OutboundMedia{URL: "https://x/a.ogg", ContentType: "audio/ogg"})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, "document", bodies[0]["type"])
	assert.Equal(t, map[string]any{"link": "https://x/a.pdf", "caption": "caption", "filename": "a.pdf"}, bodies[0]["document"])
	assert.Equal(t, "audio", bodies[1]["type"])
	assert.Equal(t, map[string]any{"link": "https://x/a.ogg"}, bodies[1]["audio"], "audio carries no caption")
}

func TestMetaMarkRead(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	require.NoError(t, newTestMeta(srv.URL).MarkRead(context.Background(), "wamid.A"))
	assert.Equal(t, "read", got["status"])
	assert.Equal(t, "wamid.A", got["message_id"])
}

func TestMetaFetch_ResolvesMediaID(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /MEDIA1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer meta-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url": srv.URL + "/blob", "mime_type": "image/jpeg", "file_size": 4, "id": "MEDIA1",
		})
	})
	mux.HandleFunc("GET /blob", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer meta-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("\xff\xd8\xff\xe0"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	blob, err := newTestMeta(srv.URL).Fetch(context.Background(), domain.MediaRef{Locator: "MEDIA1"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", blob.ContentType)
	assert.Len(t, blob.Data, 4)
}

func TestMetaFetch_DeclaredSizeTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"url":"http://unused/blob","mime_type":"video/mp4","file_size":999999999}`)
	}))
	defer srv.Close()

	m := NewMeta(MetaChannelConfig{
		Config:     config.MetaConfig{AccessToken: "t", PhoneNumberID: "1", APIBase: srv.URL},
		Downloader: media.NewDownloader(media.DownloaderConfig{MaxBytes: 1024, Logger: testLogger()}),
		Logger:     testLogger(),
	})
	_, err := m.Fetch(context.Background(), domain.MediaRef{Locator: "BIG"})
	assert.True(t, errors.Is(err, domain.ErrMediaFetch))
	assert.True(t, errors.Is(err, domain.ErrMediaTooLarge))
}
