//go:build !race

package tag

// Race is true in builds compiled with the race detector enabled.
const Race = false
