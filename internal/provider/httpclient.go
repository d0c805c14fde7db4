package provider

import (
	"net"
	"net/http"
	"time"
)

// SharedHTTPClient returns the pooled client behind every outbound call: the
// OpenAI adapter, the Twilio, Meta and WAHA senders and the media downloader.
//
// timeout is the outer bound for any single request, so callers pass the
// longest of ai.timeoutSeconds and media.downloadTimeoutSeconds. Downloads
// apply their own shorter deadline per request. Each in-flight message holds
// at most one AI and one provider connection, so the per-host idle pool is
// sized from the worker count.
func SharedHTTPClient(timeout time.Duration, workers int) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if workers <= 0 {
		workers = 5
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4 * workers,
		MaxIdleConnsPerHost: workers,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
