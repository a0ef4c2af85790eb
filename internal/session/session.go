// Package session models one playback attempt through the relay.
package session

import (
	"net/url"
	"strconv"
	"time"
)

// Query parameter names carried on every rewritten playlist entry.
const (
	ParamSessionID     = "sid"
	ParamCookies       = "cookies"
	ParamStreamType    = "streamType"
	ParamMatchID       = "matchId"
	ParamSource        = "source"
	ParamStreamNo      = "streamNo"
	ParamSegmentPrefix = "segmentPrefix"
)

// unknown is the placeholder older clients send for parameters they don't have.
const unknown = "unknown"

// Session identifies one playback attempt. Two sessions are equal when all
// fields are equal, so Session can be used directly as a map key.
type Session struct {
	ID            string
	MatchID       string
	Source        string
	StreamNo      string
	SegmentPrefix string
	Cookies       string
	StreamType    string
}

// FromQuery builds a Session from request query parameters. The ID is taken
// from the sid parameter when present, otherwise derived from matchId and
// streamNo, otherwise from now.
func FromQuery(q url.Values, now time.Time) Session {
	s := Session{
		ID:            clean(q.Get(ParamSessionID)),
		MatchID:       clean(q.Get(ParamMatchID)),
		Source:        clean(q.Get(ParamSource)),
		StreamNo:      clean(q.Get(ParamStreamNo)),
		SegmentPrefix: clean(q.Get(ParamSegmentPrefix)),
		Cookies:       q.Get(ParamCookies),
		StreamType:    clean(q.Get(ParamStreamType)),
	}
	if s.ID == "" {
		s.ID = DeriveID(s.MatchID, s.StreamNo, now)
	}
	return s
}

// DeriveID returns "<matchId>-<streamNo>" when matchId is known and a
// timestamp-based ID otherwise.
func DeriveID(matchID, streamNo string, now time.Time) string {
	if matchID != "" {
		if streamNo == "" {
			streamNo = "1"
		}
		return matchID + "-" + streamNo
	}
	return "t" + strconv.FormatInt(now.UnixNano(), 36)
}

// Query returns the parameters a rewritten URI must carry so later segment
// and key requests land on the same session.
func (s Session) Query() url.Values {
	q := url.Values{}
	q.Set(ParamSessionID, s.ID)
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set(ParamCookies, s.Cookies)
	set(ParamStreamType, s.StreamType)
	set(ParamMatchID, s.MatchID)
	set(ParamSource, s.Source)
	set(ParamStreamNo, s.StreamNo)
	set(ParamSegmentPrefix, s.SegmentPrefix)
	return q
}

// HasSegmentPrefix reports whether the heuristic segment origin can be used.
func (s Session) HasSegmentPrefix() bool {
	return s.SegmentPrefix != ""
}

func clean(v string) string {
	if v == unknown {
		return ""
	}
	return v
}
