package utils

import (
	"encoding/hex"
	"fmt"
	"net/url"

	"sonicwave/work/config"

	"github.com/grafana/regexp"
	"golang.org/x/crypto/blake2b"
)

// contentIDPattern matches the content ids this core accepts: base32/base58
// style alphanumeric identifiers as produced by content-addressed stores.
// Compiled once; grafana/regexp is a drop-in replacement for the stdlib.
var contentIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{6,128}$`)

// LogURL returns either the original URL or an obfuscated version for
// logging, depending on the configured obfuscation flag.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL masks the path, query, and fragment of a URL, keeping only
// scheme and host. Used when gateway URLs may embed access tokens.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	// Parse the URL
	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	// Keep scheme and host, obfuscate path and query
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// ValidContentID reports whether the given string is a plausible content id.
// This guards HTTP inputs before they are interpolated into gateway URLs.
func ValidContentID(id string) bool {
	return contentIDPattern.MatchString(id)
}

// DeriveContentID computes a content-addressed id for the given bytes using
// BLAKE2b-256, truncated to 20 bytes and hex encoded under a "bafk" prefix.
// The same bytes always produce the same id.
func DeriveContentID(data []byte) string {
	sum := blake2b.Sum256(data)
	return "bafk" + hex.EncodeToString(sum[:20])
}

// FormatBytes renders a byte count with a binary unit suffix for logs and
// the stats API.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
