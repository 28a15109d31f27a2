package process

import (
	"runtime"
	"sync"
)

// The preload value is module-wide state read once per child at fork
// time, kept for compatibility with suites that configure it globally.
var (
	preloadMu    sync.RWMutex
	preloadValue string
)

// SetPreload sets the module-wide preload library injected into every
// subsequently created child. Config.Preload overrides it per process.
func SetPreload(v string) {
	preloadMu.Lock()
	defer preloadMu.Unlock()
	preloadValue = v
}

// Preload returns the module-wide preload library.
func Preload() string {
	preloadMu.RLock()
	defer preloadMu.RUnlock()
	return preloadValue
}

// preloadEnv renders the environment entries that inject lib into the
// child. Flat namespace is required on darwin for an interposed kill
// to take effect.
func preloadEnv(lib string) []string {
	if runtime.GOOS == "darwin" {
		return []string{
			"DYLD_FORCE_FLAT_NAMESPACE=1",
			"DYLD_INSERT_LIBRARIES=" + lib,
		}
	}
	return []string{"LD_PRELOAD=" + lib}
}
