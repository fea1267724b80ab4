// Package row provides the cell and row types shared by every keysync component.
//
// This package contains value types and their encodings only. All other internal
// packages import row; row imports nothing internal.
//
// Key design constraints:
//   - Value is a sealed interface (Null, String, Int, Float, Bool)
//   - Canonical JSON (RFC 8785) is the ONLY encoding used for identity
//   - Column order is canonical (UTF-16 code units), never map order
//   - Floats are allowed in payload cells but rejected by the key model
package row
