// Package sanitize transforms untrusted object keys into archive-safe
// relative paths.
//
// Archives produced by the pipeline are extracted by downstream consumers on
// arbitrary filesystems. The sanitizer guarantees that an accepted path
// cannot escape the extraction root (tar-slip), collide with a device name,
// or smuggle invisible characters into a listing. Rejection reasons are
// sentinel errors usable with errors.Is.
package sanitize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// maxDecodeIterations bounds the recursive percent-decode pass.
	maxDecodeIterations = 5
	// maxKeyBytes is the UTF-8 byte ceiling on the normalized key, matching
	// the object store's own key limit.
	maxKeyBytes = 1024
)

// Sentinel rejection reasons. Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrEmptyKey indicates an empty input or a key that canonicalized to nothing.
	ErrEmptyKey = errors.New("empty key")

	// ErrUnstableEncoding indicates percent-decoding did not reach a fixed
	// point within the iteration bound. Accepting such a key would break
	// sanitizer idempotence, so it is rejected outright.
	ErrUnstableEncoding = errors.New("percent-encoding does not stabilize")

	// ErrKeyTooLong indicates the normalized key exceeds the byte ceiling.
	ErrKeyTooLong = errors.New("key exceeds byte length limit")

	// ErrControlCharacter indicates a C0 control, DEL, or an invisible
	// format-category code point (zero-width joiner, directional override, BOM).
	ErrControlCharacter = errors.New("key contains control or invisible characters")

	// ErrTraversal indicates a ".." path segment.
	ErrTraversal = errors.New("key contains path traversal")

	// ErrEdgeWhitespace indicates a path segment starting or ending in whitespace.
	ErrEdgeWhitespace = errors.New("path segment has leading or trailing whitespace")

	// ErrReservedName indicates a segment whose base name is a Windows
	// reserved device name.
	ErrReservedName = errors.New("path segment is a reserved device name")
)

// reservedDeviceNames are Windows device names that shadow real files when an
// archive is extracted on Windows. Matched against the upper-cased segment
// base name (the part before the first dot).
var reservedDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Key sanitizes an untrusted object key into a safe relative archive path.
//
// The pipeline is canonicalize-then-validate: recursive percent-decode,
// NFKC normalization, character-class and length validation, then per-segment
// structural checks. Order matters; every validation runs on the canonical
// form so no encoding trick can slip past a check.
//
// Key is idempotent over its accepted outputs: Key(Key(k)) == Key(k)
// whenever the first call succeeds.
func Key(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	decoded, err := decodeToFixedPoint(key)
	if err != nil {
		return "", err
	}

	// NFKC collapses compatibility forms: full-width dots and slashes,
	// homoglyph digits, ligatures.
	normalized := norm.NFKC.String(decoded)

	if len(normalized) > maxKeyBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(normalized))
	}

	for _, r := range normalized {
		if r <= 0x1F || r == 0x7F || unicode.Is(unicode.Cf, r) {
			return "", fmt.Errorf("%w: U+%04X", ErrControlCharacter, r)
		}
	}

	// Strip a Windows drive-letter prefix and unify separators.
	trimmed := stripDrivePrefix(normalized)
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")

	segments := make([]string, 0, 8)
	for _, part := range strings.Split(trimmed, "/") {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrTraversal, key)
		}
		if err := validateSegment(part); err != nil {
			return "", err
		}
		segments = append(segments, part)
	}

	safe := strings.Join(segments, "/")
	if safe == "" {
		return "", ErrEmptyKey
	}
	return safe, nil
}

// decodeToFixedPoint percent-decodes the key until stable, up to the
// iteration bound. Nested encodings of '/', '\' and '.' are the classic
// vector for smuggling traversal past a single-pass decoder.
func decodeToFixedPoint(key string) (string, error) {
	cur := key
	for i := 0; i < maxDecodeIterations; i++ {
		dec, err := url.PathUnescape(cur)
		if err != nil {
			// No further valid escapes; remaining '%' runs are literal.
			return cur, nil
		}
		if dec == cur {
			return cur, nil
		}
		cur = dec
	}

	// Still moving after the bound: reject rather than accept a key whose
	// canonical form we never reached.
	if dec, err := url.PathUnescape(cur); err == nil && dec != cur {
		return "", ErrUnstableEncoding
	}
	return cur, nil
}

// stripDrivePrefix removes a leading "X:" drive specifier.
func stripDrivePrefix(s string) string {
	if len(s) >= 2 && s[1] == ':' &&
		((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z')) {
		return s[2:]
	}
	return s
}

// validateSegment applies per-segment checks: whitespace edges and reserved
// device base names. A ".." INSIDE a segment (file..bak) is legitimate and
// already allowed by the caller's exact-match traversal check.
func validateSegment(part string) error {
	runes := []rune(part)
	if unicode.IsSpace(runes[0]) || unicode.IsSpace(runes[len(runes)-1]) {
		return fmt.Errorf("%w: %q", ErrEdgeWhitespace, part)
	}

	base := part
	if i := strings.IndexByte(part, '.'); i >= 0 {
		base = part[:i]
	}
	if _, reserved := reservedDeviceNames[strings.ToUpper(base)]; reserved {
		return fmt.Errorf("%w: %q", ErrReservedName, part)
	}
	return nil
}
