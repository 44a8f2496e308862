// Package ir provides the canonical value model used for replicated log
// entries.
//
// Log entries are content-addressed: every replica recomputes an entry's
// checksum from its canonical encoding before staging it, so all encodings
// that feed a checksum go through MarshalCanonical.
//
// Key design constraints:
//   - NO float types (shape positions never enter the log)
//   - Object keys ordered by UTF-16 code units (RFC 8785)
//   - Strings NFC normalized at the serialization boundary
//   - ir imports nothing internal
package ir
