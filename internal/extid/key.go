// Package extid models external identities: the key that names an
// identity, the record binding it to an account, and the note blob
// format records are stored in.
package extid

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Well-known key schemes.
const (
	SchemeMailto   = "mailto"
	SchemeUsername = "username"
	SchemeGerrit   = "gerrit"
	SchemeExternal = "external"
	SchemeUUID     = "uuid"
)

// NoteIDLen is the length of a hex-encoded note id.
const NoteIDLen = 2 * sha1.Size

// Key names an external identity as (scheme, local id).
// Keys are comparable and used directly as map keys.
type Key struct {
	Scheme string
	ID     string
}

// NewKey returns the key for scheme and id.
func NewKey(scheme, id string) Key {
	return Key{Scheme: scheme, ID: id}
}

// ParseKey parses the serialized "scheme:id" form. The scheme ends at the
// first colon; a string without a colon yields a key with an empty scheme.
func ParseKey(s string) Key {
	scheme, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{ID: s}
	}
	return Key{Scheme: scheme, ID: id}
}

// String returns the serialized "scheme:id" form.
func (k Key) String() string {
	if k.Scheme == "" {
		return k.ID
	}
	return k.Scheme + ":" + k.ID
}

// IsScheme reports whether the key belongs to scheme.
func (k Key) IsScheme(scheme string) bool {
	return k.Scheme == scheme
}

// NoteID returns the content hash of the serialized key: the lowercase hex
// SHA-1 that names the key's note in the store.
func (k Key) NoteID() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// IsNoteID reports whether s is a well-formed note id
// (exactly 40 lowercase hex characters).
func IsNoteID(s string) bool {
	if len(s) != NoteIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizePath strips directory separators from a note-store path and
// returns the note id it names. Fanout directories are layout, not identity,
// so "ab/cdef..." and "abcdef..." normalize to the same id.
func NormalizePath(path string) (string, bool) {
	id := strings.ReplaceAll(path, "/", "")
	if !IsNoteID(id) {
		return "", false
	}
	return id, true
}
