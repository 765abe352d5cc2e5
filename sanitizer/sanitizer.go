// Package sanitizer is the single trust boundary between user-supplied
// module and script identifiers and the filesystem/registry namespace.
//
// Name is an opaque type: its only constructor is SanitizeModuleName, so a
// raw string can never reach a downstream component (module cache, worker
// pool, pipeline) without first passing every check in this package. This
// is a "stringly-typed key" design: an invalid Name is unrepresentable
// once constructed.
package sanitizer

import (
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Name is a validated, filesystem-safe identifier for a module or script.
type Name struct {
	s string
}

// String returns the underlying validated identifier.
func (n Name) String() string { return n.s }

// IsZero reports whether n is the zero Name (never produced by
// SanitizeModuleName; useful for catching a missed initialization).
func (n Name) IsZero() bool { return n.s == "" }

// Sentinel validation errors. Each is wrapped with context by the
// SanitizeModuleName/ResolveModulePath callers that want to report which
// raw input triggered it.
var (
	ErrEmpty       = errors.New("sanitizer: name is empty")
	ErrTooLong     = errors.New("sanitizer: name exceeds 255 bytes")
	ErrTraversal   = errors.New("sanitizer: name contains a path traversal segment")
	ErrSeparator   = errors.New("sanitizer: name contains a path separator")
	ErrNullByte    = errors.New("sanitizer: name contains a null byte")
	ErrControlChar = errors.New("sanitizer: name contains a control character")
	ErrReserved    = errors.New("sanitizer: name is a reserved device name")
	ErrADS         = errors.New("sanitizer: name contains alternate-data-stream syntax")
	ErrUNC         = errors.New("sanitizer: name begins with a UNC prefix")
	ErrEscape      = errors.New("sanitizer: resolved path escapes the base directory")
)

const maxNameBytes = 255

var reservedDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SanitizeModuleName validates raw and returns an opaque Name on success.
// This is the only authorized constructor for Name; see the package doc.
func SanitizeModuleName(raw string) (Name, error) {
	// NFC-normalize first: a byte string that only becomes a traversal or
	// reserved form after normalization must not slip past the checks
	// below by presenting itself in a decomposed form.
	normalized := norm.NFC.String(raw)

	if normalized == "" {
		return Name{}, ErrEmpty
	}
	if len(normalized) > maxNameBytes {
		return Name{}, ErrTooLong
	}
	if strings.ContainsRune(normalized, 0) {
		return Name{}, ErrNullByte
	}
	for _, r := range normalized {
		if r < 0x20 || r == 0x7f {
			return Name{}, ErrControlChar
		}
	}
	if strings.HasPrefix(normalized, `\\`) {
		return Name{}, ErrUNC
	}
	if normalized == "." || normalized == ".." || strings.Contains(normalized, "..") {
		return Name{}, ErrTraversal
	}
	if strings.ContainsAny(normalized, `/\`) {
		return Name{}, ErrSeparator
	}
	if strings.Contains(normalized, ":") {
		return Name{}, ErrADS
	}

	if isReservedDeviceName(normalized) {
		return Name{}, ErrReserved
	}

	return Name{s: normalized}, nil
}

func isReservedDeviceName(name string) bool {
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	_, reserved := reservedDeviceNames[strings.ToUpper(base)]
	return reserved
}

// ResolveModulePath joins base and name, canonicalizes the result
// lexically (never following symlinks), and verifies it remains a strict
// descendant of base. name must already be a Name produced by
// SanitizeModuleName, so it cannot itself contain a traversal segment or
// separator; ResolveModulePath's own check exists as defense in depth
// against a future caller that constructs base unsafely.
func ResolveModulePath(base string, name Name) (string, error) {
	if name.IsZero() {
		return "", ErrEmpty
	}
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, name.s)
	cleaned := filepath.Clean(joined)

	rel, err := filepath.Rel(cleanBase, cleaned)
	if err != nil {
		return "", ErrEscape
	}
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrEscape
	}
	return cleaned, nil
}

// SanitizeScriptName applies the same validation state machine to
// POST /script/{name} identifiers, since scripts share the on-disk
// namespace trust boundary with modules.
func SanitizeScriptName(raw string) (Name, error) {
	return SanitizeModuleName(raw)
}
