// Package privacy enforces invariant 7: no rendered prompt/response text,
// file contents, or absolute paths are ever persisted, only hashes,
// lengths, extensions, and counts. Every field that crosses from a raw
// producer event into a Store row passes through one of these functions
// first.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ContentDigest summarizes opaque text the way the Store is allowed to
// retain it: a content hash and a length, never the text itself.
type ContentDigest struct {
	Hash   string `json:"hash"`
	Length int    `json:"length"`
}

// HashText returns a stable content hash suitable for deduplication and
// change detection without retaining the underlying text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Digest builds a ContentDigest from raw text. An empty string still
// produces a digest (the hash of the empty string) so callers don't need a
// special case for absent content.
func Digest(text string) ContentDigest {
	return ContentDigest{Hash: HashText(text), Length: len(text)}
}

// SanitizePath reduces an absolute filesystem path to the only information
// the Store is allowed to keep about it: its extension and a hash of the
// full path (for grouping "same file touched again" without storing where
// it lives). The basename is deliberately not retained either, since a
// basename can itself be sensitive (e.g. "ssn_export.csv").
func SanitizePath(path string) (hash string, extension string) {
	ext := strings.ToLower(filepath.Ext(path))
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:]), ext
}

// CountLines returns the number of newline-delimited lines in text without
// requiring the caller to retain the text afterward.
func CountLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

// ScrubMetadataKeys removes keys from a generic metadata map that are known
// to sometimes carry raw content (used defensively when re-serializing
// upstream payloads we don't fully control, such as Cursor's composer
// bodies, into the envelope blob).
func ScrubMetadataKeys(meta map[string]any, forbidden ...string) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	blocked := make(map[string]struct{}, len(forbidden))
	for _, k := range forbidden {
		blocked[k] = struct{}{}
	}
	for k, v := range meta {
		if _, ok := blocked[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}
