package channel

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsbot/internal/config"
	"whatsbot/internal/domain"
	"whatsbot/internal/media"
	"whatsbot/internal/security"
)

const metaMaxBody = 4096

// Meta implements domain.Channel for the WhatsApp Business Cloud API.
type Meta struct {
	cfg        config.MetaConfig
	client     *http.Client
	downloader *media.Downloader
	logger     *slog.Logger
	now        func() time.Time
}

type MetaChannelConfig struct {
	Config     config.MetaConfig
	Client     *http.Client
	Downloader *media.Downloader
	Logger     *slog.Logger
}

func NewMeta(cfg MetaChannelConfig) *Meta {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = "https://graph.facebook.com/v21.0"
	}
	cfg.Config.APIBase = strings.TrimRight(cfg.Config.APIBase, "/")
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Downloader == nil {
		cfg.Downloader = media.NewDownloader(media.DownloaderConfig{Client: cfg.Client, Logger: cfg.Logger})
	}
	return &Meta{
		cfg:        cfg.Config,
		client:     cfg.Client,
		downloader: cfg.Downloader,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

func (m *Meta) Provider() domain.ProviderTag { return domain.ProviderMeta }

// VerifyChallenge answers the GET subscription handshake. It returns the
// challenge to echo and whether the token matched.
func (m *Meta) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || !security.EqualAPIKey(m.cfg.VerifyToken, token) {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks X-Hub-Signature-256. Without an app secret
// configured, signatures are not enforced.
func (m *Meta) VerifySignature(body []byte, signature string) bool {
	if m.cfg.AppSecret == "" {
		return true
	}
	return security.VerifyMeta(m.cfg.AppSecret, body, signature)
}

// Normalize parses a webhook body. One delivery may carry several messages;
// a body with none (status updates) is ignorable.
func (m *Meta) Normalize(body []byte) ([]domain.InboundEvent, error) {
	var payload metaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	var events []domain.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev, ok := m.normalizeMessage(msg, change.Value)
				if !ok {
					m.logger.Warn("meta message skipped: missing id or sender", "message_id", msg.ID)
					continue
				}
				events = append(events, ev)
			}
		}
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no messages in delivery", domain.ErrIgnorable)
	}
	return events, nil
}

func (m *Meta) normalizeMessage(msg metaMessage, value metaValue) (domain.InboundEvent, bool) {
	sender := domain.NormalizePhone(msg.From)
	if msg.ID == "" || sender == "" {
		return domain.InboundEvent{}, false
	}

	ev := domain.InboundEvent{
		Provider:          domain.ProviderMeta,
		ProviderMessageID: msg.ID,
		SenderID:          sender,
		ChatID:            msg.From,
		SenderName:        value.contactName(msg.From),
		Kind:              kindFromType(msg.Type),
		ReceivedAt:        m.now(),
	}
	if ts, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil && ts > 0 {
		ev.ReceivedAt = time.Unix(ts, 0)
	}

	var obj *metaMedia
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			ev.Text = msg.Text.Body
		}
	case "image":
		obj = msg.Image
	case "audio":
		obj = msg.Audio
	case "voice":
		obj = msg.Voice
	case "video":
		obj = msg.Video
	case "document":
		obj = msg.Document
	case "":
		// Fall back to the declared MIME type of whichever media object is present.
		obj = cmp.Or(msg.Image, msg.Audio, msg.Voice, msg.Video, msg.Document)
		if obj != nil {
			ev.Kind = kindFromMIME(obj.MimeType, false)
		}
	}
	if obj != nil {
		ev.Text = obj.Caption
		ev.Media = &domain.MediaRef{
			Locator:     obj.ID,
			ContentType: obj.MimeType,
			Filename:    obj.Filename,
		}
	} else if ev.Kind.HasMedia() {
		ev.Media = &domain.MediaRef{}
	}
	return ev, true
}

// Send delivers a text reply, or a media message with the text as caption.
func (m *Meta) Send(ctx context.Context, chatID, text string, om *domain.OutboundMedia) (string, error) {
	to := digitsOnly(chatID)
	endpoint := fmt.Sprintf("%s/%s/messages", m.cfg.APIBase, m.cfg.PhoneNumberID)

	if om != nil && om.URL != "" {
		kind := string(mediaKind(om.ContentType))
		obj := map[string]any{"link": om.URL}
		if text != "" && kind != string(domain.KindAudio) {
			obj["caption"] = text
		}
		if kind == string(domain.KindDocument) && om.Filename != "" {
			obj["filename"] = om.Filename
		}
		return m.post(ctx, endpoint, map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                to,
			"type":              kind,
			kind:                obj,
		}, to, true)
	}

	var id string
	for _, chunk := range splitMessage(text, metaMaxBody) {
		var err error
		id, err = m.post(ctx, endpoint, map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                to,
			"type":              "text",
			"text":              map[string]any{"preview_url": false, "body": chunk},
		}, to, false)
		if err != nil {
			return id, err
		}
	}
	return id, nil
}

func (m *Meta) post(ctx context.Context, endpoint string, payload map[string]any, to string, hasMedia bool) (string, error) {
	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := postJSON(ctx, m.client, domain.ProviderMeta, endpoint, m.authHeader(), payload, &out); err != nil {
		return "", err
	}
	var id string
	if len(out.Messages) > 0 {
		id = out.Messages[0].ID
	}
	m.logger.Info("meta message sent", "to", to, "message_id", id, "has_media", hasMedia)
	return id, nil
}

// MarkRead acknowledges an inbound message.
func (m *Meta) MarkRead(ctx context.Context, messageID string) error {
	endpoint := fmt.Sprintf("%s/%s/messages", m.cfg.APIBase, m.cfg.PhoneNumberID)
	return postJSON(ctx, m.client, domain.ProviderMeta, endpoint, m.authHeader(), map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}, nil)
}

// Fetch resolves a media id to its short-lived URL, then downloads it.
func (m *Meta) Fetch(ctx context.Context, ref domain.MediaRef) (*domain.MediaBlob, error) {
	if ref.Locator == "" {
		return nil, fmt.Errorf("%w: meta media id missing", domain.ErrMediaFetch)
	}

	mediaURL := ref.Locator
	if !isHTTPURL(mediaURL) {
		info, err := m.mediaInfo(ctx, ref.Locator)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaFetch, err)
		}
		if info.FileSize > m.downloader.MaxBytes() {
			return nil, fmt.Errorf("%w: %w: %d bytes", domain.ErrMediaFetch, domain.ErrMediaTooLarge, info.FileSize)
		}
		if info.URL == "" {
			return nil, fmt.Errorf("%w: no url for media %s", domain.ErrMediaFetch, ref.Locator)
		}
		mediaURL = info.URL
		if ref.ContentType == "" {
			ref.ContentType = info.MimeType
		}
	}

	blob, err := m.downloader.Get(ctx, mediaURL, m.authHeader())
	if err != nil {
		return nil, err
	}
	m.logger.Info("meta media downloaded", "media_id", ref.Locator, "size_bytes", len(blob.Data))
	return blobFrom(blob, ref), nil
}

type metaMediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

func (m *Meta) mediaInfo(ctx context.Context, mediaID string) (*metaMediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.APIBase+"/"+mediaID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)

	var info metaMediaInfo
	if err := do(m.client, domain.ProviderMeta, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (m *Meta) authHeader() http.Header {
	return http.Header{"Authorization": {"Bearer " + m.cfg.AccessToken}}
}

// --- Cloud API webhook payload types ---

type metaPayload struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID      string       `json:"id"`
	Changes []metaChange `json:"changes"`
}

type metaChange struct {
	Value metaValue `json:"value"`
	Field string    `json:"field"`
}

type metaValue struct {
	MessagingProduct string        `json:"messaging_product"`
	Contacts         []metaContact `json:"contacts"`
	Messages         []metaMessage `json:"messages"`
}

// contactName returns the profile name for waID, or the first contact's.
func (v metaValue) contactName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	if len(v.Contacts) > 0 {
		return v.Contacts[0].Profile.Name
	}
	return ""
}

type metaContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type metaMessage struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *metaText  `json:"text,omitempty"`
	Image     *metaMedia `json:"image,omitempty"`
	Audio     *metaMedia `json:"audio,omitempty"`
	Voice     *metaMedia `json:"voice,omitempty"`
	Video     *metaMedia `json:"video,omitempty"`
	Document  *metaMedia `json:"document,omitempty"`
}

type metaText struct {
	Body string `json:"body"`
}

type metaMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}
