//go:build debug

package tag

// Debug is true in builds tagged with "debug". Debug builds run extra
// invariant checks that are too expensive for production.
const Debug = true
