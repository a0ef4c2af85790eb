package manifest

import "fmt"

// MissingParameterError is returned when a required query parameter is absent.
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("Missing %s parameter", e.Param)
}

// InvalidManifestError is returned when a playlist body lacks the #EXTM3U marker.
type InvalidManifestError struct {
	URL string
}

func (e *InvalidManifestError) Error() string {
	if e.URL == "" {
		return "Invalid m3u8 playlist"
	}
	return fmt.Sprintf("Invalid m3u8 playlist from %s", e.URL)
}
