package usage

import "time"

// CleanupInterval is how often retention cleanup runs.
const CleanupInterval = 1 * time.Hour

// RunCleanupLoop calls cleanupFn immediately and then every CleanupInterval
// until stop is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	runCleanupLoop(stop, cleanupFn, CleanupInterval)
}

func runCleanupLoop(stop <-chan struct{}, cleanupFn func(), interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}
