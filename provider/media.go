package provider

import "bytes"

// DetectMediaType inspects the first bytes of an image buffer and returns
// its MIME media type. Unknown signatures default to image/jpeg, matching
// the most common upload format.
func DetectMediaType(data []byte) string {
	switch {
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4E, 0x47}):
		return "image/png"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("GIF")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// FormatOf maps a media type to the short format name used in capability
// descriptors.
func FormatOf(mediaType string) string {
	switch mediaType {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpeg"
	}
}
