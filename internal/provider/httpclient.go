package provider

import (
	"net"
	"net/http"
	"time"
)

// defaultHTTPTimeout bounds connection setup and response headers. Streaming
// bodies are bounded by the turn context instead.
const defaultHTTPTimeout = 120 * time.Second

// SharedHTTPClient returns a pooled client for streaming providers. It sets
// no overall Timeout so long streams are not cut off mid-body.
func SharedHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHTTPTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
