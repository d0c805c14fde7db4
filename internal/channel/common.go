package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"whatsbot/internal/domain"
)

// kindFromType maps a provider's message type name to a canonical kind.
func kindFromType(t string) domain.MessageKind {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "chat", "text":
		return domain.KindText
	case "image":
		return domain.KindImage
	case "audio", "voice", "ptt":
		return domain.KindAudio
	case "video":
		return domain.KindVideo
	case "document":
		return domain.KindDocument
	case "location":
		return domain.KindLocation
	case "vcard", "contacts", "contact":
		return domain.KindContact
	default:
		return domain.KindUnknown
	}
}

// kindFromMIME classifies a declared content type. When otherAsDocument is
// set, any unrecognized non-empty type counts as a document.
func kindFromMIME(contentType string, otherAsDocument bool) domain.MessageKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case ct == "":
		return domain.KindUnknown
	case strings.HasPrefix(ct, "image/"):
		return domain.KindImage
	case strings.HasPrefix(ct, "audio/"):
		return domain.KindAudio
	case strings.HasPrefix(ct, "video/"):
		return domain.KindVideo
	case strings.HasPrefix(ct, "application/pdf"),
		strings.HasPrefix(ct, "application/msword"),
		strings.Contains(ct, "document"):
		return domain.KindDocument
	case otherAsDocument:
		return domain.KindDocument
	default:
		return domain.KindUnknown
	}
}

// mediaKind picks the outbound media category for a content type.
func mediaKind(contentType string) domain.MessageKind {
	switch k := kindFromMIME(contentType, true); k {
	case domain.KindImage, domain.KindAudio, domain.KindVideo:
		return k
	default:
		return domain.KindDocument
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// digitsOnly strips everything but digits, for APIs that want bare numbers.
func digitsOnly(s string) string {
	return strings.TrimPrefix(domain.NormalizePhone(s), "+")
}

// apiError is a non-2xx answer from a provider API.
type apiError struct {
	Provider domain.ProviderTag
	Status   int
	Body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s API %d: %s", e.Provider, e.Status, e.Body)
}

// postJSON sends payload as JSON and decodes a 2xx answer into out (if non-nil).
func postJSON(ctx context.Context, client *http.Client, provider domain.ProviderTag, url string, header http.Header, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return do(client, provider, req, out)
}

func do(client *http.Client, provider domain.ProviderTag, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &apiError{Provider: provider, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s decode: %w", provider, err)
	}
	return nil
}

// splitMessage cuts msg into chunks of at most maxLen characters,
// preferring newline boundaries in the second half of a chunk.
func splitMessage(msg string, maxLen int) []string {
	runes := []rune(msg)
	if maxLen <= 0 || len(runes) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// blobFrom fills gaps in a downloaded blob from what the webhook declared.
func blobFrom(blob *domain.MediaBlob, ref domain.MediaRef) *domain.MediaBlob {
	if ref.ContentType != "" && (blob.ContentType == "" || blob.ContentType == "application/octet-stream") {
		blob.ContentType = ref.ContentType
	}
	if ref.Filename != "" {
		blob.Filename = ref.Filename
	}
	return blob
}
