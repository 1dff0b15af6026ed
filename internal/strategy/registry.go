package strategy

import (
	"fmt"
	"sort"
	"sync"
)

var (
	regMu    sync.Mutex
	registry = make(map[string]func() Strategy)
)

// Register binds a class name to a constructor. Strategy enumeration rows
// reference strategies by this name. Registering the same name twice panics;
// that is a programming error.
func Register(className string, ctor func() Strategy) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registry[className]; ok {
		panic(fmt.Sprintf("strategy: class %q registered twice", className))
	}
	registry[className] = ctor
}

// New instantiates a registered strategy class.
func New(className string) (Strategy, error) {
	regMu.Lock()
	ctor, ok := registry[className]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy class %q (registered: %v)", className, Classes())
	}
	return ctor(), nil
}

// Classes lists the registered class names, sorted.
func Classes() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
