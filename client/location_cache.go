package client

import (
	"sync"
	"time"

	"gfs"
	"gfs/util"
)

// chunkLocations is one cached location lookup.
type chunkLocations struct {
	primary   gfs.ServerAddress   // empty unless the lease was valid
	locations []gfs.ServerAddress // alive replicas, ascending
	expire    time.Time
}

// candidates orders the read targets: valid primary first, then the
// remaining replicas in ascending id order.
func (loc *chunkLocations) candidates() []gfs.ServerAddress {
	var ret []gfs.ServerAddress
	if loc.primary != "" {
		ret = append(ret, loc.primary)
	}
	for _, addr := range loc.locations {
		if addr != loc.primary {
			ret = append(ret, addr)
		}
	}
	return ret
}

// locationCache remembers chunk locations for a while so sequential
// reads don't ask the master once per chunk per read. It is never
// authoritative: entries expire, and callers invalidate on any miss.
type locationCache struct {
	sync.Mutex
	master gfs.ServerAddress
	ttl    time.Duration
	buffer map[gfs.ChunkHandle]*chunkLocations
}

// newLocationCache returns a locationCache. Expired items are cleaned
// up every tick.
func newLocationCache(master gfs.ServerAddress, ttl, tick time.Duration) *locationCache {
	cache := &locationCache{
		master: master,
		ttl:    ttl,
		buffer: make(map[gfs.ChunkHandle]*chunkLocations),
	}

	// cleanup
	go func() {
		ticker := time.Tick(tick)
		for {
			<-ticker
			now := time.Now()
			cache.Lock()
			for handle, item := range cache.buffer {
				if item.expire.Before(now) {
					delete(cache.buffer, handle)
				}
			}
			cache.Unlock()
		}
	}()

	return cache
}

// Get returns the cached locations of handle, asking the master on a
// miss or an expired entry.
func (cache *locationCache) Get(handle gfs.ChunkHandle) (*chunkLocations, error) {
	cache.Lock()
	loc, ok := cache.buffer[handle]
	cache.Unlock()
	if ok && loc.expire.After(time.Now()) {
		return loc, nil
	}
	return cache.Refresh(handle)
}

// Refresh fetches fresh locations from the master and caches them.
func (cache *locationCache) Refresh(handle gfs.ChunkHandle) (*chunkLocations, error) {
	var r gfs.GetChunkLocationsReply
	if err := util.Call(cache.master, "Master.RPCGetChunkLocations", gfs.GetChunkLocationsArg{Handle: handle}, &r); err != nil {
		return nil, err
	}
	if err := r.ErrorCode.Err(); err != nil {
		return nil, err
	}

	loc := &chunkLocations{
		primary:   r.Primary,
		locations: r.Locations,
		expire:    time.Now().Add(cache.ttl),
	}
	cache.Lock()
	cache.buffer[handle] = loc
	cache.Unlock()
	return loc, nil
}

// Invalidate drops the cached entry for handle.
func (cache *locationCache) Invalidate(handle gfs.ChunkHandle) {
	cache.Lock()
	defer cache.Unlock()
	delete(cache.buffer, handle)
}
