package locator

import "fmt"

// Field tags of the locator request body. Each is the protobuf key byte for a
// length-delimited field numbered 1, 2 and 3.
const (
	tagSource   byte = 0x0a
	tagSourceID byte = 0x12
	tagStreamNo byte = 0x1a
)

// maxFieldLen is the largest length a single length byte can carry.
const maxFieldLen = 127

// EncodeRequest builds the tag-length-value body identifying one stream.
func EncodeRequest(source, sourceID, streamNo string) ([]byte, error) {
	fields := []struct {
		tag   byte
		name  string
		value string
	}{
		{tagSource, "source", source},
		{tagSourceID, "sourceId", sourceID},
		{tagStreamNo, "streamNo", streamNo},
	}

	size := 0
	for _, f := range fields {
		if len(f.value) > maxFieldLen {
			return nil, fmt.Errorf("%s is %d bytes, limit is %d", f.name, len(f.value), maxFieldLen)
		}
		size += 2 + len(f.value)
	}

	buf := make([]byte, 0, size)
	for _, f := range fields {
		buf = append(buf, f.tag, byte(len(f.value)))
		buf = append(buf, f.value...)
	}
	return buf, nil
}
