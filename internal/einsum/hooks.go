package einsum

import (
	"sync"

	"github.com/pkg/errors"
)

// AD-framework hooks. Frameworks are explicit capabilities: an adapter
// package registers its adjoint installer at init time, the caller
// enables it by name, and Compile installs the forward/backward pair of
// every freshly compiled program into each enabled framework. The core
// depends on none of them.

// AdjointInstaller binds a compiled program's forward and gradient
// kernels into one framework's registration idiom.
type AdjointInstaller func(*Program) error

var (
	hookMu     sync.RWMutex
	installers = make(map[string]AdjointInstaller)
	enabled    = make(map[string]bool)
)

// RegisterAdjoint makes a framework adapter known by name.
func RegisterAdjoint(framework string, install AdjointInstaller) {
	hookMu.Lock()
	defer hookMu.Unlock()
	installers[framework] = install
}

// EnableFramework turns on adjoint registration for a known framework.
func EnableFramework(framework string) error {
	hookMu.Lock()
	defer hookMu.Unlock()
	if _, ok := installers[framework]; !ok {
		return errors.Errorf("no adjoint installer registered for %q", framework)
	}
	enabled[framework] = true
	return nil
}

// DisableFramework turns registration back off.
func DisableFramework(framework string) {
	hookMu.Lock()
	defer hookMu.Unlock()
	delete(enabled, framework)
}

// installHooks runs every enabled installer against a new program.
func installHooks(p *Program) error {
	hookMu.RLock()
	defer hookMu.RUnlock()
	for name := range enabled {
		if err := installers[name](p); err != nil {
			return errors.Wrapf(err, "installing adjoint for %s", name)
		}
	}
	return nil
}
