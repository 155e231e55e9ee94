package util

import (
	"sort"
	"sync"

	"gfs"
)

// AddressSet is a set of server addresses implemented using an array.
// It'll provide better performance than the builtin map when the set is
// really small, which replica sets are. It is thread-safe since a mutex
// is used.
type AddressSet struct {
	lock sync.RWMutex
	arr  []gfs.ServerAddress
}

// Add adds an address to the set.
func (s *AddressSet) Add(addr gfs.ServerAddress) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, v := range s.arr {
		if v == addr {
			return
		}
	}
	s.arr = append(s.arr, addr)
}

// Size returns the size of the set.
func (s *AddressSet) Size() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.arr)
}

// Sorted returns the members in ascending id order. Selection is always
// done over this ordering so that placement stays deterministic.
func (s *AddressSet) Sorted() []gfs.ServerAddress {
	s.lock.RLock()
	defer s.lock.RUnlock()
	ret := append([]gfs.ServerAddress(nil), s.arr...)
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}
