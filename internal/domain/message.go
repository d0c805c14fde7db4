package domain

import "time"

// ProviderTag identifies which messaging back-end an event came from.
type ProviderTag string

const (
	ProviderTwilio ProviderTag = "twilio"
	ProviderMeta   ProviderTag = "meta"
	ProviderWAHA   ProviderTag = "waha"
)

// Valid reports whether p is one of the known providers.
func (p ProviderTag) Valid() bool {
	switch p {
	case ProviderTwilio, ProviderMeta, ProviderWAHA:
		return true
	}
	return false
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindUnknown  MessageKind = "unknown"
)

// HasMedia reports whether messages of this kind carry a downloadable payload.
func (k MessageKind) HasMedia() bool {
	switch k {
	case KindImage, KindAudio, KindVideo, KindDocument:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MediaRef points at a provider-hosted media object. Locator is a URL for
// Twilio and WAHA and a media id for Meta.
type MediaRef struct {
	Locator     string
	ContentType string
	Filename    string
}

// InboundEvent is the provider-independent shape of one received message.
type InboundEvent struct {
	Provider          ProviderTag
	ProviderMessageID string
	SenderID          string // canonical +<digits>
	ChatID            string // provider-native reply address
	SenderName        string
	Kind              MessageKind
	Text              string
	Media             *MediaRef
	ReceivedAt        time.Time
}

// OutboundMedia is an attachment sent alongside a reply.
type OutboundMedia struct {
	URL         string
	ContentType string
	Filename    string
}

// Initiation is the outcome of proactively greeting a phone number.
type Initiation struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	PhoneNumber    string `json:"phone_number"`
	MessageID      string `json:"message_id"`
}
