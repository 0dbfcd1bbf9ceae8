package amqp

import (
	"fmt"
	"sort"
	"sync"
)

var (
	enginesMu sync.RWMutex
	engines   = map[string]EngineFactory{}
)

// RegisterEngine makes an engine implementation available by name. It is
// intended to be called from the init function of the package providing the
// engine. Registering the same name twice panics.
func RegisterEngine(name string, factory EngineFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if factory == nil {
		panic("amqp: RegisterEngine factory is nil")
	}
	if _, dup := engines[name]; dup {
		panic("amqp: RegisterEngine called twice for engine " + name)
	}
	engines[name] = factory
}

// LookupEngine returns the factory registered under name.
func LookupEngine(name string) (EngineFactory, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	f, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (registered: %v)", name, engineNames())
	}
	return f, nil
}

// Engines returns the sorted names of the registered engines.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	return engineNames()
}

func engineNames() []string {
	names := make([]string, 0, len(engines))
	for n := range engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
