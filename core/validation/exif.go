package validation

import (
	"bytes"

	exif "github.com/dsoprea/go-exif/v3"
)

// exifInfo reports whether data carries EXIF and how many tags it holds
func exifInfo(data []byte) (bool, int) {
	tags, _, err := exif.GetFlatExifDataUniversalSearchWithReadSeeker(bytes.NewReader(data), nil, true)
	if err != nil {
		return false, 0
	}
	return len(tags) > 0, len(tags)
}
