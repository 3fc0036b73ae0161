package registry

import "sync"

// rwMutex wraps sync.RWMutex as Map's lock. It does not make a zero Map
// usable: Map's item storage is only allocated by New.
type rwMutex struct {
	sync.RWMutex
}
