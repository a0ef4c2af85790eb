package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/dovakiin0/hls-relay/internal/upstream"
)

// embedURLPattern finds the playlist URL assigned in an embed page script.
var embedURLPattern = regexp.MustCompile(`var\s+o\s*=\s*["']([^"']+)["']`)

type streamInfo struct {
	ID       string `json:"id"`
	StreamNo int    `json:"streamNo"`
	Language string `json:"language"`
	HD       bool   `json:"hd"`
	EmbedURL string `json:"embedUrl"`
	Source   string `json:"source"`
}

// Alternative resolves streams through the public stream API and the embed
// page it points to.
type Alternative struct {
	fetcher *upstream.Fetcher
	apiBase string
	profile upstream.HeaderProfile
}

func NewAlternative(fetcher *upstream.Fetcher, apiBase, userAgent string) *Alternative {
	apiBase = strings.TrimRight(apiBase, "/")
	return &Alternative{
		fetcher: fetcher,
		apiBase: apiBase,
		profile: upstream.HeaderProfile{UserAgent: userAgent, Referer: apiBase + "/"},
	}
}

func (a *Alternative) Resolve(ctx context.Context, source, sourceID, streamNo string) (string, error) {
	want, err := strconv.Atoi(streamNo)
	if err != nil {
		return "", fmt.Errorf("invalid streamNo %q: %w", streamNo, err)
	}

	apiURL := a.apiBase + "/api/stream/" + url.PathEscape(source) + "/" + url.PathEscape(sourceID)
	resp, err := a.fetcher.Fetch(ctx, apiURL, a.profile.Build("", ""))
	if err != nil {
		return "", fmt.Errorf("stream API: %w", err)
	}

	var infos []streamInfo
	if err := json.Unmarshal(resp.Body, &infos); err != nil {
		return "", fmt.Errorf("stream API response: %w", err)
	}

	var embed string
	for _, info := range infos {
		if info.StreamNo == want {
			embed = info.EmbedURL
			break
		}
	}
	if embed == "" {
		return "", fmt.Errorf("stream %s/%s/%s not found", source, sourceID, streamNo)
	}

	page, err := a.fetcher.Fetch(ctx, embed, a.profile.Build("", ""))
	if err != nil {
		return "", fmt.Errorf("embed page: %w", err)
	}

	match := embedURLPattern.FindSubmatch(page.Body)
	if match == nil {
		return "", fmt.Errorf("no playlist URL in embed page %s", embed)
	}
	return string(match[1]), nil
}
