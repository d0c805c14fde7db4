package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"whatsbot/internal/config"
	"whatsbot/internal/domain"
	"whatsbot/internal/media"
	"whatsbot/internal/security"
)

const (
	minTypingDelay = 1.0 // seconds
	maxTypingDelay = 5.0
	minPerChar     = 0.05
	maxPerChar     = 0.1
)

// WAHA implements domain.Channel for a self-hosted WAHA gateway.
type WAHA struct {
	cfg        config.WAHAConfig
	apiURL     string
	client     *http.Client
	downloader *media.Downloader
	logger     *slog.Logger
	now        func() time.Time

	// rnd returns a value in [0, 1); sleep pauses for the typing delay.
	rnd   func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

type WAHAChannelConfig struct {
	Config     config.WAHAConfig
	Client     *http.Client
	Downloader *media.Downloader
	Logger     *slog.Logger
}

func NewWAHA(cfg WAHAChannelConfig) *WAHA {
	if cfg.Config.SessionName == "" {
		cfg.Config.SessionName = "default"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Downloader == nil {
		cfg.Downloader = media.NewDownloader(media.DownloaderConfig{Client: cfg.Client, Logger: cfg.Logger})
	}
	return &WAHA{
		cfg:        cfg.Config,
		apiURL:     strings.TrimRight(cfg.Config.APIURL, "/"),
		client:     cfg.Client,
		downloader: cfg.Downloader,
		logger:     cfg.Logger,
		now:        time.Now,
		rnd:        rand.Float64,
		sleep:      sleepContext,
	}
}

func (w *WAHA) Provider() domain.ProviderTag { return domain.ProviderWAHA }

// VerifyAPIKey checks the X-Api-Key header. Without a configured key every
// request is accepted.
func (w *WAHA) VerifyAPIKey(presented string) bool {
	if w.cfg.APIKey == "" {
		return true
	}
	return security.EqualAPIKey(w.cfg.APIKey, presented)
}

// Normalize parses a WAHA webhook body into an InboundEvent.
func (w *WAHA) Normalize(body []byte) (domain.InboundEvent, error) {
	if !gjson.ValidBytes(body) {
		return domain.InboundEvent{}, fmt.Errorf("%w: invalid JSON", domain.ErrMalformedPayload)
	}
	root := gjson.ParseBytes(body)

	if event := root.Get("event").String(); event != "message" {
		return domain.InboundEvent{}, fmt.Errorf("%w: event %q", domain.ErrIgnorable, event)
	}
	p := root.Get("payload")
	if !p.IsObject() {
		return domain.InboundEvent{}, fmt.Errorf("%w: payload missing", domain.ErrMalformedPayload)
	}
	if p.Get("fromMe").Bool() {
		return domain.InboundEvent{}, fmt.Errorf("%w: own message", domain.ErrIgnorable)
	}

	id := serializedID(p.Get("id"))
	from := p.Get("from").String()
	if id == "" || from == "" {
		return domain.InboundEvent{}, fmt.Errorf("%w: id and from are required", domain.ErrMalformedPayload)
	}

	senderRaw := from
	if strings.HasSuffix(from, "@g.us") {
		senderRaw = firstString(p, "participant", "author")
	}
	sender := domain.NormalizePhone(senderRaw)
	if sender == "" {
		return domain.InboundEvent{}, fmt.Errorf("%w: bad sender %q", domain.ErrMalformedPayload, senderRaw)
	}

	kind := wahaKind(p)
	ev := domain.InboundEvent{
		Provider:          domain.ProviderWAHA,
		ProviderMessageID: id,
		SenderID:          sender,
		ChatID:            from,
		SenderName:        firstString(p, "_data.notifyName", "author"),
		Kind:              kind,
		ReceivedAt:        w.now(),
	}
	if ts := p.Get("timestamp").Int(); ts > 0 {
		ev.ReceivedAt = time.Unix(ts, 0)
	}

	switch kind {
	case domain.KindText:
		ev.Text = p.Get("body").String()
	case domain.KindImage:
		ev.Text = firstString(p, "caption", "body")
	case domain.KindAudio:
	case domain.KindVideo, domain.KindDocument:
		ev.Text = p.Get("caption").String()
	default:
		ev.Text = p.Get("body").String()
	}

	if kind.HasMedia() {
		ev.Media = &domain.MediaRef{
			Locator:     wahaMediaURL(p),
			ContentType: wahaMediaType(p),
			Filename:    primaryMedia(p).Get("filename").String(),
		}
		if ev.Media.ContentType == "" {
			ev.Media.ContentType = defaultContentType(kind)
		}
	}
	return ev, nil
}

func wahaKind(p gjson.Result) domain.MessageKind {
	t := p.Get("type").String()
	if t == "" {
		t = p.Get("_data.type").String()
	}
	if t != "" {
		return kindFromType(t)
	}
	if ct := wahaMediaType(p); ct != "" {
		return kindFromMIME(ct, true)
	}
	if p.Get("hasMedia").Bool() {
		return domain.KindImage
	}
	return domain.KindText
}

// primaryMedia returns the media object, or the first object of a media list.
func primaryMedia(p gjson.Result) gjson.Result {
	m := p.Get("media")
	if m.IsArray() {
		for _, item := range m.Array() {
			if item.IsObject() {
				return item
			}
		}
		return gjson.Result{}
	}
	if m.IsObject() {
		return m
	}
	return gjson.Result{}
}

func wahaMediaType(p gjson.Result) string {
	m := primaryMedia(p)
	if ct := firstString(m, "mimetype", "mimeType"); ct != "" {
		return ct
	}
	return p.Get("mediaContentType").String()
}

func wahaMediaURL(p gjson.Result) string {
	if u := firstString(p, "mediaUrl", "mediaURL"); isHTTPURL(u) {
		return u
	}
	m := primaryMedia(p)
	if u := firstString(m, "url", "directPath"); isHTTPURL(u) {
		return u
	}
	if u := p.Get("_data.directPath").String(); isHTTPURL(u) {
		return u
	}
	return ""
}

func defaultContentType(kind domain.MessageKind) string {
	switch kind {
	case domain.KindImage:
		return "image/jpeg"
	case domain.KindAudio:
		return "audio/ogg"
	case domain.KindVideo:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := r.Get(path).String(); s != "" {
			return s
		}
	}
	return ""
}

// serializedID handles ids sent either as strings or as id objects.
func serializedID(r gjson.Result) string {
	if r.IsObject() {
		return firstString(r, "_serialized", "id")
	}
	return r.String()
}

// TypingDelay returns how long to show the typing indicator before sending a
// reply of length characters, given a per-character multiplier in seconds.
// The result is clamped to [1s, 5s].
func TypingDelay(length int, perChar float64) time.Duration {
	secs := max(minTypingDelay, min(maxTypingDelay, float64(length)*perChar))
	return time.Duration(secs * float64(time.Second))
}

// Send runs the seen/typing sequence, then delivers. The pre-steps are best
// effort; only the final delivery can fail the send.
func (w *WAHA) Send(ctx context.Context, chatID, text string, om *domain.OutboundMedia) (string, error) {
	chatID = wahaChatID(chatID)

	if err := w.simulateTyping(ctx, chatID, text); err != nil {
		return "", err
	}

	endpoint := "/api/sendText"
	payload := map[string]any{
		"session": w.cfg.SessionName,
		"chatId":  chatID,
		"text":    text,
	}
	if om != nil && om.URL != "" {
		endpoint = wahaMediaEndpoint(mediaKind(om.ContentType))
		file := map[string]any{"url": om.URL}
		if om.ContentType != "" {
			file["mimetype"] = om.ContentType
		}
		if om.Filename != "" {
			file["filename"] = om.Filename
		}
		payload = map[string]any{
			"session": w.cfg.SessionName,
			"chatId":  chatID,
			"file":    file,
			"caption": text,
		}
	}

	var raw json.RawMessage
	if err := postJSON(ctx, w.client, domain.ProviderWAHA, w.apiURL+endpoint, w.authHeader(), payload, &raw); err != nil {
		return "", err
	}
	id := serializedID(gjson.GetBytes(raw, "id"))
	w.logger.Info("waha message sent", "to", chatID, "message_id", id, "has_media", om != nil)
	return id, nil
}

func (w *WAHA) simulateTyping(ctx context.Context, chatID, text string) error {
	w.presence(ctx, "/api/sendSeen", chatID)
	w.presence(ctx, "/api/startTyping", chatID)

	perChar := minPerChar + w.rnd()*(maxPerChar-minPerChar)
	delay := TypingDelay(utf8.RuneCountInString(text), perChar)
	w.logger.Debug("waha typing delay", "to", chatID, "message_length", utf8.RuneCountInString(text), "delay", delay)
	if err := w.sleep(ctx, delay); err != nil {
		return err
	}

	w.presence(ctx, "/api/stopTyping", chatID)
	return nil
}

// presence posts a best-effort chat state update.
func (w *WAHA) presence(ctx context.Context, endpoint, chatID string) {
	err := postJSON(ctx, w.client, domain.ProviderWAHA, w.apiURL+endpoint, w.authHeader(), map[string]any{
		"session": w.cfg.SessionName,
		"chatId":  chatID,
	}, nil)
	if err != nil {
		w.logger.Warn("waha presence update failed", "endpoint", endpoint, "to", chatID, "err", err)
	}
}

// Fetch downloads media served by the WAHA gateway.
func (w *WAHA) Fetch(ctx context.Context, ref domain.MediaRef) (*domain.MediaBlob, error) {
	if !isHTTPURL(ref.Locator) {
		return nil, fmt.Errorf("%w: waha media url missing", domain.ErrMediaFetch)
	}
	blob, err := w.downloader.Get(ctx, ref.Locator, w.authHeader())
	if err != nil {
		return nil, err
	}
	w.logger.Info("waha media downloaded", "size_bytes", len(blob.Data))
	return blobFrom(blob, ref), nil
}

// SessionStatus reports the gateway's status string for the configured session.
func (w *WAHA) SessionStatus(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		w.apiURL+"/api/sessions/"+url.PathEscape(w.cfg.SessionName), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, vs := range w.authHeader() {
		req.Header[k] = vs
	}

	var out struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := do(w.client, domain.ProviderWAHA, req, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (w *WAHA) authHeader() http.Header {
	h := http.Header{}
	if w.cfg.APIKey != "" {
		h.Set("X-Api-Key", w.cfg.APIKey)
	}
	return h
}

func wahaMediaEndpoint(kind domain.MessageKind) string {
	switch kind {
	case domain.KindImage:
		return "/api/sendImage"
	case domain.KindAudio:
		return "/api/sendAudio"
	case domain.KindVideo:
		return "/api/sendVideo"
	default:
		return "/api/sendFile"
	}
}

// wahaChatID keeps native chat ids and turns bare phones into <digits>@c.us.
func wahaChatID(chatID string) string {
	if strings.Contains(chatID, "@") {
		return chatID
	}
	return digitsOnly(chatID) + "@c.us"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
