package upstream

import "net/http"

// HeaderProfile is the browser identity presented to upstream hosts.
type HeaderProfile struct {
	UserAgent string
	Referer   string
	Origin    string
}

// Build returns the request headers for one upstream call. cookies and
// streamType come from the client's session and are omitted when empty.
func (p HeaderProfile) Build(cookies, streamType string) http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Encoding", "identity")
	if p.UserAgent != "" {
		h.Set("User-Agent", p.UserAgent)
	}
	if p.Referer != "" {
		h.Set("Referer", p.Referer)
	}
	if p.Origin != "" {
		h.Set("Origin", p.Origin)
	}
	if cookies != "" {
		h.Set("Cookie", cookies)
	}
	if streamType != "" {
		h.Set("X-Stream-Type", streamType)
	}
	return h
}
