//go:build !ocr

package validation

// newOCRDetector is nil in builds without the ocr tag
func newOCRDetector(string) Detector { return nil }
