package security

import (
	"log/slog"
	"strings"

	"whatsbot/internal/domain"
)

// Whitelist authorizes senders against a static allow-list. Entries are
// phone numbers in any provider format; a trailing '*' turns an entry into
// a prefix match (e.g. "+90555*").
type Whitelist struct {
	exact    map[string]struct{}
	prefixes []string
	logger   *slog.Logger
}

func NewWhitelist(entries []string, logger *slog.Logger) *Whitelist {
	w := &Whitelist{
		exact:  make(map[string]struct{}, len(entries)),
		logger: logger,
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if prefix, ok := strings.CutSuffix(e, "*"); ok {
			if p := domain.NormalizePhone(prefix); p != "" {
				w.prefixes = append(w.prefixes, p)
			}
			continue
		}
		if p := domain.NormalizePhone(e); p != "" {
			w.exact[p] = struct{}{}
		}
	}
	if w.Len() == 0 {
		logger.Warn("whitelist is empty, every sender will be rejected")
	}
	return w
}

// IsAuthorized reports whether sender (any address format) is listed.
func (w *Whitelist) IsAuthorized(sender string) bool {
	p := domain.NormalizePhone(sender)
	if p == "" {
		return false
	}
	if _, ok := w.exact[p]; ok {
		return true
	}
	for _, prefix := range w.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of configured entries.
func (w *Whitelist) Len() int {
	return len(w.exact) + len(w.prefixes)
}
