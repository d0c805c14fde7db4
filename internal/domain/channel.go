package domain

import "context"

// Sender delivers replies through one messaging back-end.
type Sender interface {
	Provider() ProviderTag
	// Send returns the provider-assigned id of the delivered message, if any.
	Send(ctx context.Context, chatID, text string, media *OutboundMedia) (string, error)
}

// MediaFetcher downloads the payload behind a MediaRef.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref MediaRef) (*MediaBlob, error)
}

// Channel is one messaging back-end: it sends replies and serves inbound media.
type Channel interface {
	Sender
	MediaFetcher
}

// ReadMarker is implemented by channels that can acknowledge an inbound
// message as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, providerMessageID string) error
}

type MediaBlob struct {
	Data        []byte
	ContentType string
	Filename    string
}
