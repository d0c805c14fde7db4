package domain

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrIgnorable          = errors.New("ignorable event")
	ErrRateLimited        = errors.New("rate limited")
	ErrDuplicate          = errors.New("duplicate message")
	ErrNotWhitelisted     = errors.New("sender not whitelisted")
	ErrMediaFetch         = errors.New("media fetch failed")
	ErrMediaTooLarge      = errors.New("media exceeds size limit")
	ErrAIInvocation       = errors.New("ai invocation failed")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrNotFound           = errors.New("not found")
)
