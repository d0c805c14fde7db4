package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"whatsbot/internal/domain"
	"whatsbot/internal/media"
	"whatsbot/internal/metrics"
)

// State is a step of the per-event processing state machine.
type State string

const (
	StateReceived  State = "received"
	StateGated     State = "gated"
	StateRouted    State = "routed"
	StateAIInvoked State = "ai_invoked"
	StatePersisted State = "persisted"
	StateReplied   State = "replied"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
)

// Fixed replies.
const (
	ReplyNotAuthorized = "Sorry, you are not authorized to use this bot. Please contact the administrator for access."
	ReplyInternalError = "Sorry, I encountered an error processing your message. Please try again later."
	ReplyUnsupported   = "Sorry, I cannot process this type of message yet."

	ReplyTextError        = "Sorry, I encountered an error generating a response."
	ReplyImageDownload    = "Sorry, I couldn't download the image."
	ReplyImageError       = "Sorry, I encountered an error analyzing the image."
	ReplyAudioDownload    = "Sorry, I couldn't download the audio."
	ReplyAudioError       = "Sorry, I encountered an error processing the audio."
	ReplyDocumentDownload = "Sorry, I couldn't download the document."
	ReplyDocumentOnlyPDF  = "I can only process PDF documents at the moment."
	ReplyPDFEmpty         = "Sorry, I couldn't extract text from the PDF."
	ReplyDocumentError    = "Sorry, I encountered an error processing the document."
)

// GreetingMessage opens a conversation started from the initiate endpoint.
const GreetingMessage = `Merhaba! 👋
Ben senin için 7/24 hazır bekleyen akıllı asistanın.

Sorularını anında cevaplayabilir, ihtiyaçlarına göre öneriler sunabilir, araştırma yapabilir, hesaplamalar yapabilir, metin hazırlayabilir ve daha birçok konuda sana yardımcı olabilirim.

İster günlük işlerini kolaylaştır, ister merak ettiğin bir şeyi sor, ister profesyonel destek al. Hepsi tek bir mesaj uzağında.

Hazırsan hemen başlayabilirsin:
👉 "Bugün bana nasıl yardımcı olabilirsin?" diye sorarsan sana özelliklerimi detaylıca anlatayım.

Hadi, birlikte başlayalım! 🚀`

const (
	defaultMaxHistory  = 10
	defaultMaxDocChars = 3000
)

// Processor runs one inbound event through whitelist, persistence, the
// per-kind handler, the AI backend and reply delivery.
type Processor struct {
	store           domain.Store
	assistant       domain.Assistant
	gate            domain.SenderGate
	channels        map[domain.ProviderTag]domain.Channel
	defaultProvider domain.ProviderTag
	workspace       *media.Workspace
	maxHistory      int
	maxDocChars     int
	greeting        string
	logger          *slog.Logger
	now             func() time.Time
}

type ProcessorConfig struct {
	Store           domain.Store
	Assistant       domain.Assistant
	Gate            domain.SenderGate
	Channels        map[domain.ProviderTag]domain.Channel
	DefaultProvider domain.ProviderTag // used by Initiate
	Workspace       *media.Workspace
	MaxHistory      int // 0 disables history
	MaxDocChars     int
	Greeting        string
	Logger          *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.MaxHistory < 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.MaxDocChars <= 0 {
		cfg.MaxDocChars = defaultMaxDocChars
	}
	if cfg.Greeting == "" {
		cfg.Greeting = GreetingMessage
	}
	return &Processor{
		store:           cfg.Store,
		assistant:       cfg.Assistant,
		gate:            cfg.Gate,
		channels:        cfg.Channels,
		defaultProvider: cfg.DefaultProvider,
		workspace:       cfg.Workspace,
		maxHistory:      cfg.MaxHistory,
		maxDocChars:     cfg.MaxDocChars,
		greeting:        cfg.Greeting,
		logger:          cfg.Logger,
		now:             time.Now,
	}
}

// Process handles ev to a terminal state: Replied, Rejected or Failed.
// Failures never propagate; they end in an apology to the sender.
func (p *Processor) Process(ctx context.Context, ev domain.InboundEvent) (state State) {
	logger := p.logger.With(
		"request_id", uuid.NewString(),
		"provider", ev.Provider,
		"message_id", ev.ProviderMessageID,
		"sender", ev.SenderID,
	)
	start := time.Now()

	ch, ok := p.channels[ev.Provider]
	if !ok {
		logger.Error("no channel configured for provider")
		metrics.ProcessingState(string(StateFailed)).Inc()
		return StateFailed
	}

	metrics.InFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing message", "panic", r, "stack", string(debug.Stack()))
			p.notify(ctx, logger, ch, ev.ChatID, ReplyInternalError)
			state = StateFailed
		}
		metrics.InFlight.Dec()
		metrics.ProcessingState(string(state)).Inc()
		logger.Info("message processed", "state", state, "kind", ev.Kind, "duration", time.Since(start))
	}()

	state, err := p.process(ctx, logger, ch, ev)
	if err != nil {
		logger.Error("message processing failed", "state", state, "err", err)
		p.notify(ctx, logger, ch, ev.ChatID, ReplyInternalError)
		return StateFailed
	}
	return state
}

func (p *Processor) process(ctx context.Context, logger *slog.Logger, ch domain.Channel, ev domain.InboundEvent) (State, error) {
	authorized := p.gate.IsAuthorized(ev.SenderID)

	user, err := p.store.GetOrCreateUser(ctx, ev.SenderID, ev.SenderName, authorized)
	if err != nil {
		return StateReceived, fmt.Errorf("get user: %w", err)
	}
	p.syncUser(ctx, logger, user, ev.SenderName, authorized)

	if !authorized {
		logger.Warn("sender not whitelisted")
		p.notify(ctx, logger, ch, ev.ChatID, ReplyNotAuthorized)
		return StateRejected, nil
	}

	conv, err := p.store.GetOrCreateActiveConversation(ctx, user.ID)
	if err != nil {
		return StateGated, fmt.Errorf("get conversation: %w", err)
	}

	rec := &domain.MessageRecord{
		UserID:            user.ID,
		ConversationID:    conv.ID,
		Provider:          ev.Provider,
		ProviderMessageID: ev.ProviderMessageID,
		Direction:         domain.DirectionIncoming,
		Kind:              ev.Kind,
		Content:           ev.Text,
	}
	if ev.Media != nil {
		rec.MediaURL = ev.Media.Locator
		rec.MediaContentType = ev.Media.ContentType
	}
	if err := p.store.CreateMessage(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			logger.Info("message already stored, skipping")
			return StateRejected, nil
		}
		return StateGated, fmt.Errorf("store incoming message: %w", err)
	}

	if rm, ok := ch.(domain.ReadMarker); ok && ev.ProviderMessageID != "" {
		if err := rm.MarkRead(ctx, ev.ProviderMessageID); err != nil {
			logger.Warn("mark as read failed", "err", err)
		}
	}

	logger.Info("processing message", "kind", ev.Kind, "conversation_id", conv.ID, "has_media", ev.Media != nil)
	reply, err := p.route(ctx, logger, ch, ev, rec)
	if err != nil {
		return StateRouted, err
	}

	if err := p.deliver(ctx, logger, ch, ev.ChatID, rec, reply); err != nil {
		logger.Error("reply delivery failed", "err", err)
		return StateFailed, nil
	}
	return StateReplied, nil
}

// syncUser keeps the stored display name and whitelist flag current.
func (p *Processor) syncUser(ctx context.Context, logger *slog.Logger, user *domain.User, name string, authorized bool) {
	changed := false
	if name != "" && name != user.Name {
		user.Name = name
		changed = true
	}
	if user.Whitelisted != authorized {
		user.Whitelisted = authorized
		changed = true
	}
	if !changed {
		return
	}
	if err := p.store.UpdateUser(ctx, *user); err != nil {
		logger.Warn("failed to update user", "user_id", user.ID, "err", err)
	}
}

// route dispatches by kind. Branch failures are recorded on rec and turned
// into a fixed reply; only store failures are returned.
func (p *Processor) route(ctx context.Context, logger *slog.Logger, ch domain.Channel, ev domain.InboundEvent, rec *domain.MessageRecord) (string, error) {
	switch ev.Kind {
	case domain.KindText:
		return p.handleText(ctx, logger, rec, ev.Text)
	case domain.KindImage:
		return p.handleImage(ctx, logger, ch, ev, rec)
	case domain.KindAudio:
		return p.handleAudio(ctx, logger, ch, ev, rec)
	case domain.KindDocument:
		return p.handleDocument(ctx, logger, ch, ev, rec)
	default:
		logger.Info("unsupported message kind", "kind", ev.Kind)
		return ReplyUnsupported, p.finish(ctx, rec, nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedContent, ev.Kind))
	}
}

func (p *Processor) handleText(ctx context.Context, logger *slog.Logger, rec *domain.MessageRecord, text string) (string, error) {
	reply, err := p.generate(ctx, rec, text)
	if err != nil {
		logger.Error("text processing failed", "err", err)
		return ReplyTextError, p.finish(ctx, rec, nil, err)
	}
	return reply.Content, p.finish(ctx, rec, reply, nil)
}

func (p *Processor) handleImage(ctx context.Context, logger *slog.Logger, ch domain.Channel, ev domain.InboundEvent, rec *domain.MessageRecord) (string, error) {
	blob, cleanup, err := p.fetch(ctx, ch, ev.Media)
	defer cleanup()
	if err != nil {
		logger.Error("image download failed", "err", err)
		return ReplyImageDownload, p.finish(ctx, rec, nil, err)
	}

	prompt := "Describe this image in detail."
	if ev.Text != "" {
		prompt = "Describe this image. " + ev.Text
	}
	start := time.Now()
	reply, err := p.assistant.DescribeImage(ctx, blob.Data, blob.ContentType, prompt)
	metrics.AILatency.ObserveSince(start)
	if err != nil {
		logger.Error("image analysis failed", "err", err)
		return ReplyImageError, p.finish(ctx, rec, nil, err)
	}
	return reply.Content, p.finish(ctx, rec, reply, nil)
}

// handleAudio transcribes, stores the transcription as the message content,
// then runs the text stage on it.
func (p *Processor) handleAudio(ctx context.Context, logger *slog.Logger, ch domain.Channel, ev domain.InboundEvent, rec *domain.MessageRecord) (string, error) {
	blob, cleanup, err := p.fetch(ctx, ch, ev.Media)
	defer cleanup()
	if err != nil {
		logger.Error("audio download failed", "err", err)
		return ReplyAudioDownload, p.finish(ctx, rec, nil, err)
	}

	start := time.Now()
	transcription, err := p.assistant.TranscribeAudio(ctx, blob.Data, blob.Filename)
	metrics.AILatency.ObserveSince(start)
	if err != nil {
		logger.Error("audio transcription failed", "err", err)
		return ReplyAudioError, p.finish(ctx, rec, nil, err)
	}
	logger.Info("audio transcribed", "chars", len([]rune(transcription)))
	rec.Content = transcription

	reply, err := p.generate(ctx, rec, transcription)
	if err != nil {
		logger.Error("reply to transcription failed", "err", err)
		return ReplyAudioError, p.finish(ctx, rec, nil, err)
	}
	return fmt.Sprintf("I heard: '%s'\n\n%s", transcription, reply.Content), p.finish(ctx, rec, reply, nil)
}

// handleDocument summarizes PDFs. Other declared types are refused before
// anything is downloaded.
func (p *Processor) handleDocument(ctx context.Context, logger *slog.Logger, ch domain.Channel, ev domain.InboundEvent, rec *domain.MessageRecord) (string, error) {
	if ev.Media != nil && !media.IsGenericType(ev.Media.ContentType) && !media.IsPDFType(ev.Media.ContentType) {
		logger.Info("unsupported document type", "content_type", ev.Media.ContentType)
		return ReplyDocumentOnlyPDF, p.finish(ctx, rec, nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedContent, ev.Media.ContentType))
	}

	blob, cleanup, err := p.fetch(ctx, ch, ev.Media)
	defer cleanup()
	if err != nil {
		logger.Error("document download failed", "err", err)
		return ReplyDocumentDownload, p.finish(ctx, rec, nil, err)
	}
	if !media.IsPDFType(blob.ContentType) && !media.IsPDF(blob.Data) {
		logger.Info("unsupported document content", "content_type", blob.ContentType)
		return ReplyDocumentOnlyPDF, p.finish(ctx, rec, nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedContent, blob.ContentType))
	}

	text, err := p.extractPDF(blob)
	if err == nil && text == "" {
		err = fmt.Errorf("%w: no text in pdf", domain.ErrUnsupportedContent)
	}
	if err != nil {
		logger.Warn("pdf text extraction failed", "err", err)
		return ReplyPDFEmpty, p.finish(ctx, rec, nil, err)
	}

	start := time.Now()
	reply, err := p.assistant.GenerateReply(ctx, "Summarize this document: "+text, nil)
	metrics.AILatency.ObserveSince(start)
	if err != nil {
		logger.Error("document summary failed", "err", err)
		return ReplyDocumentError, p.finish(ctx, rec, nil, err)
	}
	return reply.Content, p.finish(ctx, rec, reply, nil)
}

func (p *Processor) extractPDF(blob *domain.MediaBlob) (string, error) {
	if p.workspace == nil {
		return "", errors.New("no media workspace configured")
	}
	path, err := p.workspace.Write(blob.Data, ".pdf")
	if err != nil {
		return "", err
	}
	defer p.workspace.Remove(path)
	return media.ExtractPDFText(path, p.maxDocChars)
}

// generate asks the assistant for a reply to text with the conversation
// history, excluding rec itself.
func (p *Processor) generate(ctx context.Context, rec *domain.MessageRecord, text string) (*domain.Reply, error) {
	history, err := p.history(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	start := time.Now()
	reply, err := p.assistant.GenerateReply(ctx, text, history)
	metrics.AILatency.ObserveSince(start)
	return reply, err
}

// history returns up to maxHistory earlier turns, oldest first.
func (p *Processor) history(ctx context.Context, rec *domain.MessageRecord) ([]domain.ChatTurn, error) {
	if p.maxHistory == 0 {
		return nil, nil
	}
	msgs, err := p.store.GetRecentMessages(ctx, rec.ConversationID, p.maxHistory+1)
	if err != nil {
		return nil, err
	}

	turns := make([]domain.ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == rec.ID || m.Content == "" {
			continue
		}
		role := "user"
		if m.Direction == domain.DirectionOutgoing {
			role = "assistant"
		}
		turns = append(turns, domain.ChatTurn{Role: role, Content: m.Content})
	}
	if len(turns) > p.maxHistory {
		turns = turns[:p.maxHistory]
	}
	slices.Reverse(turns)
	return turns, nil
}

// fetch downloads ref and keeps a copy in the workspace until cleanup runs.
// cleanup is always safe to call.
func (p *Processor) fetch(ctx context.Context, ch domain.Channel, ref *domain.MediaRef) (*domain.MediaBlob, func(), error) {
	noop := func() {}
	if ref == nil || ref.Locator == "" {
		return nil, noop, fmt.Errorf("%w: no media reference", domain.ErrMediaFetch)
	}
	blob, err := ch.Fetch(ctx, *ref)
	if err != nil {
		return nil, noop, err
	}
	metrics.MediaBytes.Add(int64(len(blob.Data)))

	if p.workspace == nil {
		return blob, noop, nil
	}
	path, err := p.workspace.Write(blob.Data, media.Extension(blob.Data, ".bin"))
	if err != nil {
		return nil, noop, fmt.Errorf("%w: %v", domain.ErrMediaFetch, err)
	}
	return blob, func() { p.workspace.Remove(path) }, nil
}

// finish marks rec processed with the AI outcome or the branch error.
func (p *Processor) finish(ctx context.Context, rec *domain.MessageRecord, reply *domain.Reply, branchErr error) error {
	now := p.now()
	rec.Processed = true
	rec.ProcessedAt = &now
	if reply != nil {
		rec.AIResponse = reply.Content
		rec.AIModel = reply.Model
		rec.TokensIn = reply.Usage.PromptTokens
		rec.TokensOut = reply.Usage.CompletionTokens
	}
	if branchErr != nil {
		rec.Error = branchErr.Error()
	}
	if err := p.store.UpdateMessage(ctx, *rec); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// deliver sends text and records it as an outgoing message.
func (p *Processor) deliver(ctx context.Context, logger *slog.Logger, ch domain.Channel, chatID string, in *domain.MessageRecord, text string) error {
	id, err := ch.Send(ctx, chatID, text, nil)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	metrics.Reply(string(ch.Provider())).Inc()

	now := p.now()
	out := &domain.MessageRecord{
		UserID:            in.UserID,
		ConversationID:    in.ConversationID,
		Provider:          ch.Provider(),
		ProviderMessageID: id,
		Direction:         domain.DirectionOutgoing,
		Kind:              domain.KindText,
		Content:           text,
		Processed:         true,
		ProcessedAt:       &now,
	}
	if err := p.store.CreateMessage(ctx, out); err != nil {
		logger.Warn("failed to store outgoing message", "err", err)
	}
	logger.Info("reply sent", "reply_id", id, "length", len([]rune(text)))
	return nil
}

// notify sends a fixed notice without persisting it.
func (p *Processor) notify(ctx context.Context, logger *slog.Logger, ch domain.Channel, chatID, text string) {
	if _, err := ch.Send(ctx, chatID, text, nil); err != nil {
		logger.Error("failed to send notice", "err", err)
	}
}

// Initiate greets phone through the default provider and records the
// greeting as the first outgoing message of its conversation.
func (p *Processor) Initiate(ctx context.Context, phone string) (*domain.Initiation, error) {
	ch, ok := p.channels[p.defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q is not configured", p.defaultProvider)
	}

	user, err := p.store.GetOrCreateUser(ctx, phone, "", p.gate.IsAuthorized(phone))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	conv, err := p.store.GetOrCreateActiveConversation(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	id, err := ch.Send(ctx, phone, p.greeting, nil)
	if err != nil {
		return nil, fmt.Errorf("send greeting: %w", err)
	}
	metrics.Reply(string(ch.Provider())).Inc()

	now := p.now()
	rec := &domain.MessageRecord{
		UserID:            user.ID,
		ConversationID:    conv.ID,
		Provider:          ch.Provider(),
		ProviderMessageID: id,
		Direction:         domain.DirectionOutgoing,
		Kind:              domain.KindText,
		Content:           p.greeting,
		Processed:         true,
		ProcessedAt:       &now,
	}
	if err := p.store.CreateMessage(ctx, rec); err != nil {
		return nil, fmt.Errorf("store greeting: %w", err)
	}

	p.logger.Info("conversation initiated", "phone_number", phone, "user_id", user.ID, "conversation_id", conv.ID, "message_id", id)
	return &domain.Initiation{
		UserID:         user.ID,
		ConversationID: conv.ID,
		PhoneNumber:    phone,
		MessageID:      id,
	}, nil
}
