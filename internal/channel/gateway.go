package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"whatsbot/internal/domain"
	"whatsbot/internal/metrics"
	"whatsbot/internal/security"
)

const defaultMaxBodyBytes = 1 << 20

// Admitter gates a normalized event before it is queued. It returns
// domain.ErrDuplicate or domain.ErrRateLimited for events to drop.
type Admitter interface {
	Admit(ctx context.Context, ev domain.InboundEvent) error
}

// Initiator proactively greets a phone number.
type Initiator interface {
	Initiate(ctx context.Context, phone string) (*domain.Initiation, error)
}

type GatewayConfig struct {
	Addr         string
	AppName      string
	Environment  string
	SecretKey    string // X-Api-Key for the initiate endpoint
	MaxBodyBytes int64

	Twilio *Twilio // nil when disabled
	Meta   *Meta
	WAHA   *WAHA

	Admitter  Admitter
	Bus       domain.EventBus
	Initiator Initiator

	MetricsPath string // empty disables /metrics
	Logger      *slog.Logger
}

// Gateway is the HTTP front door: provider webhooks, health checks and the
// initiate endpoint.
type Gateway struct {
	cfg    GatewayConfig
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	g := &Gateway{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("GET /{$}", g.handleRoot)
	g.mux.HandleFunc("GET /health", g.handleHealth)

	if g.cfg.Twilio != nil {
		g.mux.HandleFunc("GET /webhook", g.handleTwilioPing)
		g.mux.HandleFunc("POST /webhook", g.handleTwilio)
	}
	if g.cfg.Meta != nil {
		g.mux.HandleFunc("GET /meta-webhook", g.handleMetaVerify)
		g.mux.HandleFunc("POST /meta-webhook", g.handleMeta)
		g.mux.HandleFunc("GET /meta-health", g.providerHealth(domain.ProviderMeta))
	}
	if g.cfg.WAHA != nil {
		g.mux.HandleFunc("POST /waha-webhook", g.handleWAHA)
		g.mux.HandleFunc("GET /waha-health", g.providerHealth(domain.ProviderWAHA))
	}
	if g.cfg.Initiator != nil {
		g.mux.HandleFunc("POST /api/initiate-conversation", g.handleInitiate)
		g.mux.HandleFunc("GET /api/initiate-health", g.handleHealth)
	}
	if g.cfg.MetricsPath != "" {
		g.mux.Handle("GET "+g.cfg.MetricsPath, metrics.Collector.Handler())
	}
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.logRequests(g.mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.logger.Info("http gateway starting", "addr", g.cfg.Addr, "providers", g.enabledProviders())

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("http gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http gateway: %w", err)
	}
}

// --- Twilio ---

func (g *Gateway) handleTwilioPing(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "message": "WhatsApp webhook is active"})
}

func (g *Gateway) handleTwilio(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, g.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		g.reject(rw, domain.ProviderTwilio, http.StatusBadRequest, metrics.OutcomeMalformed, "Invalid form body")
		return
	}

	sig := r.Header.Get("X-Twilio-Signature")
	if g.cfg.Twilio.cfg.AuthToken != "" && (sig != "" || g.production()) {
		if !g.cfg.Twilio.VerifySignature(requestURL(r), r.PostForm, sig) {
			g.logger.Warn("invalid twilio signature", "url", requestURL(r))
			g.reject(rw, domain.ProviderTwilio, http.StatusForbidden, metrics.OutcomeRejected, "Invalid signature")
			return
		}
	}

	ev, err := g.cfg.Twilio.Normalize(r.PostForm)
	if g.handleNormalizeError(rw, domain.ProviderTwilio, err) {
		return
	}
	g.accept(r.Context(), ev)
	writeOK(rw)
}

// --- Meta ---

func (g *Gateway) handleMetaVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := g.cfg.Meta.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		g.logger.Warn("meta webhook verification failed", "mode", q.Get("hub.mode"))
		http.Error(rw, "Verification failed", http.StatusForbidden)
		return
	}
	g.logger.Info("meta webhook verified")
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rw, challenge)
}

func (g *Gateway) handleMeta(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		g.reject(rw, domain.ProviderMeta, http.StatusBadRequest, metrics.OutcomeMalformed, "Bad request")
		return
	}
	if !g.cfg.Meta.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		g.logger.Warn("meta invalid signature")
		g.reject(rw, domain.ProviderMeta, http.StatusForbidden, metrics.OutcomeRejected, "Invalid signature")
		return
	}

	events, err := g.cfg.Meta.Normalize(body)
	if g.handleNormalizeError(rw, domain.ProviderMeta, err) {
		return
	}
	for _, ev := range events {
		g.accept(r.Context(), ev)
	}
	writeOK(rw)
}

// --- WAHA ---

func (g *Gateway) handleWAHA(rw http.ResponseWriter, r *http.Request) {
	if !g.cfg.WAHA.VerifyAPIKey(r.Header.Get("X-Api-Key")) {
		g.logger.Warn("waha webhook invalid api key")
		g.reject(rw, domain.ProviderWAHA, http.StatusForbidden, metrics.OutcomeRejected, "Invalid API key")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		g.reject(rw, domain.ProviderWAHA, http.StatusBadRequest, metrics.OutcomeMalformed, "Bad request")
		return
	}

	ev, err := g.cfg.WAHA.Normalize(body)
	if g.handleNormalizeError(rw, domain.ProviderWAHA, err) {
		return
	}
	g.accept(r.Context(), ev)
	writeOK(rw)
}

// --- shared intake ---

// handleNormalizeError writes the response for a failed normalization and
// reports whether the request is finished.
func (g *Gateway) handleNormalizeError(rw http.ResponseWriter, provider domain.ProviderTag, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrIgnorable):
		g.logger.Debug("webhook event ignored", "provider", provider, "reason", err)
		metrics.Event(string(provider), metrics.OutcomeIgnored).Inc()
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "message": "Event ignored"})
	case errors.Is(err, domain.ErrMalformedPayload):
		g.logger.Warn("malformed webhook payload", "provider", provider, "err", err)
		g.reject(rw, provider, http.StatusBadRequest, metrics.OutcomeMalformed, "Malformed payload")
	default:
		g.logger.Error("webhook normalization failed", "provider", provider, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
	}
	return true
}

// accept gates ev and queues it. Drops are silent at the transport level.
func (g *Gateway) accept(ctx context.Context, ev domain.InboundEvent) {
	provider := string(ev.Provider)
	g.logger.Info("webhook received",
		"provider", provider,
		"message_id", ev.ProviderMessageID,
		"sender", ev.SenderID,
		"kind", ev.Kind,
		"has_media", ev.Media != nil,
	)

	if err := g.cfg.Admitter.Admit(ctx, ev); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			g.logger.Info("duplicate message dropped", "provider", provider, "message_id", ev.ProviderMessageID)
			metrics.Event(provider, metrics.OutcomeDuplicate).Inc()
		case errors.Is(err, domain.ErrRateLimited):
			g.logger.Warn("rate limit exceeded", "provider", provider, "sender", ev.SenderID)
			metrics.Event(provider, metrics.OutcomeRateLimited).Inc()
		default:
			g.logger.Error("admission failed", "provider", provider, "message_id", ev.ProviderMessageID, "err", err)
			metrics.Event(provider, metrics.OutcomeDropped).Inc()
		}
		return
	}

	if !g.cfg.Bus.Publish(ev) {
		metrics.Event(provider, metrics.OutcomeDropped).Inc()
		return
	}
	metrics.Event(provider, metrics.OutcomeAccepted).Inc()
}

func (g *Gateway) reject(rw http.ResponseWriter, provider domain.ProviderTag, status int, outcome, detail string) {
	metrics.Event(string(provider), outcome).Inc()
	writeJSON(rw, status, map[string]string{"detail": detail})
}

// --- initiate ---

type initiateRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// initiatePhone holds a number after NormalizePhone, so the length rule
// counts the leading "+" and digits only.
type initiatePhone struct {
	Number string `validate:"required,min=10"`
}

var phoneRules = validator.New()

func (g *Gateway) handleInitiate(rw http.ResponseWriter, r *http.Request) {
	if !security.EqualAPIKey(g.cfg.SecretKey, r.Header.Get("X-Api-Key")) {
		g.logger.Warn("initiate conversation invalid api key")
		writeJSON(rw, http.StatusForbidden, map[string]string{"detail": "Invalid API key"})
		return
	}

	var req initiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, g.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"detail": "phone_number is required"})
		return
	}

	phone, err := ParseInitiatePhone(req.PhoneNumber)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{
			"detail": "Invalid phone number format. Must include country code (e.g., +905551234567)",
		})
		return
	}

	g.logger.Info("initiating conversation", "phone_number", phone)
	res, err := g.cfg.Initiator.Initiate(r.Context(), phone)
	if err != nil {
		g.logger.Error("initiate conversation failed", "phone_number", phone, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{
			"detail": "Failed to send message. Please check the messaging provider status.",
		})
		return
	}

	writeJSON(rw, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Conversation initiated successfully",
		"user_id":         res.UserID,
		"conversation_id": res.ConversationID,
		"phone_number":    res.PhoneNumber,
		"message_id":      res.MessageID,
	})
}

var errInvalidPhone = errors.New("phone number must include a country code")

// ParseInitiatePhone canonicalizes a phone for the initiate endpoint. It
// must carry a country code: at least ten characters including the '+'.
func ParseInitiatePhone(raw string) (string, error) {
	p := initiatePhone{Number: domain.NormalizePhone(raw)}
	if err := phoneRules.Struct(p); err != nil {
		return "", fmt.Errorf("%w: %q", errInvalidPhone, raw)
	}
	return p.Number, nil
}

// --- health ---

func (g *Gateway) handleRoot(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"app":       g.cfg.AppName,
		"status":    "running",
		"providers": g.enabledProviders(),
	})
}

func (g *Gateway) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":      "healthy",
		"app_name":    g.cfg.AppName,
		"environment": g.cfg.Environment,
		"providers":   g.enabledProviders(),
	})
}

func (g *Gateway) providerHealth(provider domain.ProviderTag) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{
			"status":      "healthy",
			"provider":    provider,
			"app_name":    g.cfg.AppName,
			"environment": g.cfg.Environment,
		})
	}
}

func (g *Gateway) enabledProviders() []string {
	var out []string
	if g.cfg.Twilio != nil {
		out = append(out, string(domain.ProviderTwilio))
	}
	if g.cfg.Meta != nil {
		out = append(out, string(domain.ProviderMeta))
	}
	if g.cfg.WAHA != nil {
		out = append(out, string(domain.ProviderWAHA))
	}
	return out
}

func (g *Gateway) production() bool {
	return strings.EqualFold(g.cfg.Environment, "production")
}

// logRequests logs each request at debug level.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(rw, r)
		g.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// requestURL rebuilds the public URL Twilio signed, honoring proxy headers.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func writeOK(rw http.ResponseWriter) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
