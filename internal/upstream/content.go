package upstream

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Kind is the class of resource being relayed; it decides content-type fixes.
type Kind int

const (
	KindPlaylist Kind = iota
	KindSegment
	KindKey
)

const (
	SegmentContentType  = "video/mp2t"
	KeyContentType      = "application/octet-stream"
	PlaylistContentType = "application/vnd.apple.mpegurl"
)

// mislabeled lists content types some upstreams put on transport-stream data.
var mislabeled = map[string]struct{}{
	"text/javascript":          {},
	"application/javascript":   {},
	"application/x-javascript": {},
}

// CorrectContentType maps known-wrong upstream content types to the type the
// player expects for kind.
func CorrectContentType(contentType string, kind Kind) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch kind {
	case KindSegment:
		if _, bad := mislabeled[mediaType]; bad || mediaType == "" {
			return SegmentContentType
		}
	case KindKey:
		if mediaType == "" {
			return KeyContentType
		}
	case KindPlaylist:
		return PlaylistContentType
	}
	return contentType
}

// readBody reads r, undoing the given Content-Encoding.
func readBody(encoding string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(r))
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
