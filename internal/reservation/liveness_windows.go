//go:build windows

package reservation

// processAlive assumes the owner is alive on Windows, where a zero-signal
// probe is unavailable. The lease TTL remains as the independent
// staleness bound.
func processAlive(pid int) bool {
	return pid > 0
}
