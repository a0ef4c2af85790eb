package upstream

import (
	"net/http"
	"time"
)

// NewHTTPClient returns the pooled client used for every upstream call.
// timeout caps a single attempt; the caller's context caps the whole fetch.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		},
		Timeout: timeout,
	}
}
