// Package worker implements the offline shell's background worker: the install
// coordinator that populates a versioned cache store, the activation reaper that
// removes every other store, and the cache-first fetch interceptor. A Registration
// owns the active worker and swaps in newer versions.
package worker
