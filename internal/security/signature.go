package security

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// TwilioSignature computes the X-Twilio-Signature value for a form POST:
// base64(HMAC-SHA1(authToken, fullURL + k1 + v1 + k2 + v2 ...)) with keys sorted.
func TwilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyTwilio checks an X-Twilio-Signature header.
func VerifyTwilio(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := TwilioSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyMeta checks an X-Hub-Signature-256 header ("sha256=<hex>").
func VerifyMeta(appSecret string, body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(hexSig), []byte(computed))
}

// MetaSignature returns the X-Hub-Signature-256 value for body.
func MetaSignature(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// EqualAPIKey compares a presented API key in constant time.
func EqualAPIKey(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
