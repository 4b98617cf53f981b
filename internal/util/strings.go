package util

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// It is used when logging digests, where only a prefix should be shown.
// A negative maxLen yields an empty string.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
