// Package manifest rewrites HLS playlists so every key, segment and variant
// reference points back through the relay.
package manifest

import (
	"bufio"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/dovakiin0/hls-relay/internal/session"
)

const (
	// KeyPrefix starts every proxy name that stands for a decryption key.
	KeyPrefix = "key/"

	// PlaylistRoute is the relay path that serves rewritten playlists.
	PlaylistRoute = "/playlist.m3u8"

	// keyPathDepth is how many trailing path segments name a key.
	keyPathDepth = 3

	maxLineSize = 1024 * 1024
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// Options describes where a playlist came from and who it is for.
type Options struct {
	// PlaylistURL is the absolute upstream URL the text was fetched from;
	// relative references are resolved against it.
	PlaylistURL string

	// ProxyOrigin is the scheme and host clients reach the relay on.
	ProxyOrigin string

	Session session.Session
}

// Result is a rewritten playlist and the names it introduced.
type Result struct {
	Text string

	// Segments maps each proxy name written into Text to its upstream URL.
	Segments map[string]string

	Master bool
}

type rewriter struct {
	base     *url.URL
	origin   string
	sess     session.Session
	segments map[string]string
	variants int
}

// Rewrite rewrites one playlist. Key URIs become <origin>/key/<path>, segment
// lines become <origin>/<name> and, in master playlists, variant and rendition
// URIs go back through the playlist route. Every rewritten URL carries the
// session query. All other lines pass through unchanged.
func Rewrite(text string, opts Options) (*Result, error) {
	if !Valid(text) {
		return nil, &InvalidManifestError{URL: opts.PlaylistURL}
	}

	base, err := url.Parse(opts.PlaylistURL)
	if err != nil {
		base = nil
	}
	rw := &rewriter{
		base:     base,
		origin:   strings.TrimRight(opts.ProxyOrigin, "/"),
		sess:     opts.Session,
		segments: make(map[string]string),
	}
	master := IsMaster(text)

	var out strings.Builder
	out.Grow(len(text) + len(text)/2)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		var modified string
		switch {
		case trimmed == "":
			modified = line
		case isKeyTag(trimmed):
			modified = rw.keyLine(line)
		case master && isRenditionTag(trimmed):
			modified = rw.renditionLine(line)
		case strings.HasPrefix(trimmed, "#EXT-X-MAP"):
			modified = rw.mapLine(line)
		case strings.HasPrefix(trimmed, "#"):
			modified = line
		case master:
			modified = rw.playlistURL(rw.resolve(trimmed))
		default:
			modified = rw.segmentURL(rw.resolve(trimmed))
		}

		out.WriteString(modified)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &Result{Text: out.String(), Segments: rw.segments, Master: master}, nil
}

func isKeyTag(line string) bool {
	return strings.HasPrefix(line, "#EXT-X-KEY") || strings.HasPrefix(line, "#EXT-X-SESSION-KEY")
}

func isRenditionTag(line string) bool {
	return strings.HasPrefix(line, "#EXT-X-MEDIA:") || strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF")
}

// keyLine replaces the URI attribute of a key tag. Inline data and
// non-HTTP key schemes are left alone.
func (rw *rewriter) keyLine(line string) string {
	return rw.replaceURI(line, func(abs string) string {
		name := rw.uniqueName(KeyName(abs), abs)
		rw.segments[name] = abs
		return rw.origin + "/" + escapePath(name) + "?" + rw.sess.Query().Encode()
	})
}

func (rw *rewriter) renditionLine(line string) string {
	return rw.replaceURI(line, rw.playlistURL)
}

func (rw *rewriter) mapLine(line string) string {
	return rw.replaceURI(line, rw.segmentURL)
}

func (rw *rewriter) replaceURI(line string, rewrite func(abs string) string) string {
	loc := uriAttr.FindStringSubmatchIndex(line)
	if loc == nil {
		return line
	}
	raw := line[loc[2]:loc[3]]
	abs := rw.resolve(raw)
	if !isAbsoluteURL(abs) {
		return line
	}
	return line[:loc[2]] + rewrite(abs) + line[loc[3]:]
}

func (rw *rewriter) segmentURL(abs string) string {
	name := rw.uniqueName(SegmentName(abs), abs)
	rw.segments[name] = abs
	return rw.origin + "/" + escapePath(name) + "?" + rw.sess.Query().Encode()
}

// playlistURL sends a child playlist back through the relay under its own
// session so sibling renditions don't overwrite each other's tables.
func (rw *rewriter) playlistURL(abs string) string {
	child := rw.sess
	child.ID = rw.sess.ID + "-v" + strconv.Itoa(rw.variants)
	rw.variants++

	q := child.Query()
	q.Set("url", abs)
	return rw.origin + PlaylistRoute + "?" + q.Encode()
}

// uniqueName returns name, or a suffixed variant of it when name already
// stands for a different URL in this playlist.
func (rw *rewriter) uniqueName(name, abs string) string {
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		existing, taken := rw.segments[candidate]
		if !taken || existing == abs {
			return candidate
		}
		candidate = stem + "-" + strconv.Itoa(i) + ext
	}
}

func (rw *rewriter) resolve(ref string) string {
	return resolveURL(rw.base, ref)
}

// SegmentName derives a proxy name from the last path component of an
// upstream URL. Upstreams that disguise transport-stream segments as .js
// files get the .ts extension back.
func SegmentName(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "segment.ts"
	}
	if strings.HasSuffix(name, ".js") {
		name = strings.TrimSuffix(name, ".js") + ".ts"
	}
	return name
}

// KeyName derives the proxy name of a key from up to three trailing path
// segments of its upstream URL.
func KeyName(rawURL string) string {
	p := ""
	if u, err := url.Parse(rawURL); err == nil {
		p = strings.Trim(u.Path, "/")
	}
	if p == "" {
		return KeyPrefix + "key"
	}
	parts := strings.Split(p, "/")
	if len(parts) > keyPathDepth {
		parts = parts[len(parts)-keyPathDepth:]
	}
	return KeyPrefix + strings.Join(parts, "/")
}

func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func isAbsoluteURL(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}

// resolveURL resolves ref against base. Absolute references, and any
// reference when base is unknown, are returned as is.
func resolveURL(base *url.URL, ref string) string {
	if isAbsoluteURL(ref) || base == nil {
		return ref
	}
	relative, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(relative).String()
}
