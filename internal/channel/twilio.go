package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"whatsbot/internal/config"
	"whatsbot/internal/domain"
	"whatsbot/internal/media"
	"whatsbot/internal/security"
)

// Twilio message bodies are capped at 1600 characters.
const twilioMaxBody = 1600

// Twilio implements domain.Channel for the Twilio WhatsApp API.
type Twilio struct {
	cfg        config.TwilioConfig
	client     *http.Client
	downloader *media.Downloader
	logger     *slog.Logger
	now        func() time.Time
}

type TwilioChannelConfig struct {
	Config     config.TwilioConfig
	Client     *http.Client
	Downloader *media.Downloader
	Logger     *slog.Logger
}

func NewTwilio(cfg TwilioChannelConfig) *Twilio {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = "https://api.twilio.com/2010-04-01"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Downloader == nil {
		cfg.Downloader = media.NewDownloader(media.DownloaderConfig{Client: cfg.Client, Logger: cfg.Logger})
	}
	return &Twilio{
		cfg:        cfg.Config,
		client:     cfg.Client,
		downloader: cfg.Downloader,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

func (t *Twilio) Provider() domain.ProviderTag { return domain.ProviderTwilio }

// VerifySignature checks X-Twilio-Signature against the public webhook URL
// and the posted form.
func (t *Twilio) VerifySignature(fullURL string, form url.Values, signature string) bool {
	if t.cfg.WebhookURL != "" {
		fullURL = t.cfg.WebhookURL
	}
	return security.VerifyTwilio(t.cfg.AuthToken, fullURL, form, signature)
}

// Normalize turns a Twilio webhook form into an InboundEvent.
func (t *Twilio) Normalize(form url.Values) (domain.InboundEvent, error) {
	sid := strings.TrimSpace(form.Get("MessageSid"))
	from := strings.TrimSpace(form.Get("From"))
	if sid == "" || from == "" {
		return domain.InboundEvent{}, fmt.Errorf("%w: MessageSid and From are required", domain.ErrMalformedPayload)
	}

	sender := domain.NormalizePhone(from)
	if sender == "" {
		return domain.InboundEvent{}, fmt.Errorf("%w: bad sender %q", domain.ErrMalformedPayload, from)
	}
	if bot := domain.NormalizePhone(t.cfg.WhatsAppNumber); bot != "" && bot == sender {
		return domain.InboundEvent{}, fmt.Errorf("%w: own message", domain.ErrIgnorable)
	}

	numMedia := 0
	if raw := form.Get("NumMedia"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return domain.InboundEvent{}, fmt.Errorf("%w: NumMedia %q", domain.ErrMalformedPayload, raw)
		}
		numMedia = n
	}
	contentType := form.Get("MediaContentType0")

	ev := domain.InboundEvent{
		Provider:          domain.ProviderTwilio,
		ProviderMessageID: sid,
		SenderID:          sender,
		ChatID:            from,
		SenderName:        form.Get("ProfileName"),
		Kind:              twilioKind(form, numMedia, contentType),
		Text:              form.Get("Body"),
		ReceivedAt:        t.now(),
	}
	if numMedia > 0 && ev.Kind.HasMedia() {
		ev.Media = &domain.MediaRef{
			Locator:     form.Get("MediaUrl0"),
			ContentType: contentType,
		}
	}
	return ev, nil
}

func twilioKind(form url.Values, numMedia int, contentType string) domain.MessageKind {
	if mt := form.Get("MessageType"); mt != "" {
		if k := kindFromType(mt); k != domain.KindUnknown {
			if !k.HasMedia() || numMedia > 0 {
				return k
			}
		}
	}
	if form.Get("Latitude") != "" && form.Get("Longitude") != "" {
		return domain.KindLocation
	}
	if numMedia == 0 {
		return domain.KindText
	}
	return kindFromMIME(contentType, false)
}

// Send delivers text (split at the body limit) and an optional attachment,
// which rides on the first chunk. It returns the sid of the last message.
func (t *Twilio) Send(ctx context.Context, chatID, text string, m *domain.OutboundMedia) (string, error) {
	to := chatID
	if !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:" + domain.NormalizePhone(to)
	}
	fromNumber := t.cfg.WhatsAppNumber
	if !strings.HasPrefix(fromNumber, "whatsapp:") {
		fromNumber = "whatsapp:" + fromNumber
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.AccountSID)

	var sid string
	for i, chunk := range splitMessage(text, twilioMaxBody) {
		form := url.Values{
			"From": {fromNumber},
			"To":   {to},
			"Body": {chunk},
		}
		if i == 0 && m != nil && m.URL != "" {
			form.Set("MediaUrl", m.URL)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

		var out struct {
			SID    string `json:"sid"`
			Status string `json:"status"`
		}
		if err := do(t.client, domain.ProviderTwilio, req, &out); err != nil {
			return sid, err
		}
		sid = out.SID
		t.logger.Info("twilio message sent", "to", to, "sid", out.SID, "status", out.Status, "has_media", i == 0 && m != nil)
	}
	return sid, nil
}

// Fetch downloads a Twilio-hosted media URL with account credentials.
func (t *Twilio) Fetch(ctx context.Context, ref domain.MediaRef) (*domain.MediaBlob, error) {
	if !isHTTPURL(ref.Locator) {
		return nil, fmt.Errorf("%w: twilio media url missing", domain.ErrMediaFetch)
	}
	creds := base64.StdEncoding.EncodeToString([]byte(t.cfg.AccountSID + ":" + t.cfg.AuthToken))
	blob, err := t.downloader.Get(ctx, ref.Locator, http.Header{"Authorization": {"Basic " + creds}})
	if err != nil {
		return nil, err
	}
	t.logger.Info("media downloaded from twilio", "size_bytes", len(blob.Data))
	return blobFrom(blob, ref), nil
}
