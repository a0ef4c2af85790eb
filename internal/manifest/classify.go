package manifest

import (
	"bufio"
	"strings"

	"github.com/grafov/m3u8"
)

const (
	marker       = "#EXTM3U"
	streamInfTag = "#EXT-X-STREAM-INF"
)

// Valid reports whether text starts with the playlist marker, ignoring a byte
// order mark and leading whitespace.
func Valid(text string) bool {
	text = strings.TrimPrefix(text, "\ufeff")
	return strings.HasPrefix(strings.TrimLeft(text, " \t\r\n"), marker)
}

// IsMaster reports whether text is a master (multivariant) playlist. Playlists
// the strict parser rejects are classified by their tags.
func IsMaster(text string) bool {
	_, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(text)), true)
	if err == nil {
		return listType == m3u8.MASTER
	}
	return strings.Contains(text, streamInfTag)
}
