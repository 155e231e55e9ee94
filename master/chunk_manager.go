package master

import (
	"sync"
	"time"

	"gfs"
	"gfs/util"
)

// chunkManager is the metadata store. It is the sole authority for
// file-to-chunk and chunk-to-replica/lease mappings. One coarse lock
// covers both tables; every operation touches a single chunk plus the
// registry and never spans chunks, so nothing finer is needed.
type chunkManager struct {
	lock sync.RWMutex

	chunk map[gfs.ChunkHandle]*chunkInfo
	file  map[gfs.Path]*fileInfo

	numChunkHandle gfs.ChunkHandle
	leaseTimeout   time.Duration
}

type chunkInfo struct {
	location util.AddressSet   // set of replica locations
	primary  gfs.ServerAddress // primary chunkserver, empty if no lease
	expire   time.Time         // lease expire time
	version  gfs.ChunkVersion  // bumped on each new lease grant
}

type fileInfo struct {
	handles []gfs.ChunkHandle // append order
}

type lease struct {
	primary     gfs.ServerAddress
	expire      time.Time
	version     gfs.ChunkVersion
	secondaries []gfs.ServerAddress
}

func newChunkManager(leaseTimeout time.Duration) *chunkManager {
	return &chunkManager{
		chunk:        make(map[gfs.ChunkHandle]*chunkInfo),
		file:         make(map[gfs.Path]*fileInfo),
		leaseTimeout: leaseTimeout,
	}
}

// hasLease reports whether the chunk has an unexpired lease. Caller must
// hold the lock.
func (c *chunkInfo) hasLease(now time.Time) bool {
	return c.primary != "" && c.expire.After(now)
}

// secondariesOf lists the replica set minus the primary, ascending.
func (c *chunkInfo) secondariesOf(primary gfs.ServerAddress) []gfs.ServerAddress {
	var snd []gfs.ServerAddress
	for _, addr := range c.location.Sorted() {
		if addr != primary {
			snd = append(snd, addr)
		}
	}
	return snd
}

// CreateFile inserts an empty metadata entry for path.
func (cm *chunkManager) CreateFile(path gfs.Path) error {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	if _, ok := cm.file[path]; ok {
		return gfs.NewError(gfs.AlreadyExists, "file %v already exists", path)
	}
	cm.file[path] = new(fileInfo)
	return nil
}

// HasFile reports whether path exists.
func (cm *chunkManager) HasFile(path gfs.Path) bool {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	_, ok := cm.file[path]
	return ok
}

// GetFileChunks returns the chunk handles of path in append order.
func (cm *chunkManager) GetFileChunks(path gfs.Path) ([]gfs.ChunkHandle, error) {
	cm.lock.RLock()
	defer cm.lock.RUnlock()

	f, ok := cm.file[path]
	if !ok {
		return nil, gfs.NewError(gfs.UnknownFile, "file %v not found", path)
	}
	return append([]gfs.ChunkHandle(nil), f.handles...), nil
}

// CreateChunk issues a fresh handle with the given replica set and
// appends it to the file's chunk sequence. The caller has already
// validated the replica selection, so the only failure is a missing
// file, which leaves no partial state behind.
func (cm *chunkManager) CreateChunk(path gfs.Path, replicas []gfs.ServerAddress) (gfs.ChunkHandle, error) {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	f, ok := cm.file[path]
	if !ok {
		return 0, gfs.NewError(gfs.UnknownFile, "file %v not found", path)
	}

	handle := cm.numChunkHandle
	cm.numChunkHandle++

	c := new(chunkInfo)
	for _, addr := range replicas {
		c.location.Add(addr)
	}
	cm.chunk[handle] = c
	f.handles = append(f.handles, handle)
	return handle, nil
}

// GetLeaseHolder returns the chunkserver that holds the lease of a chunk
// (i.e. primary) and the lease expire time. An unexpired lease is
// returned unchanged. If no one has a valid lease, grants one to the
// first alive replica in ascending id order and bumps the version.
func (cm *chunkManager) GetLeaseHolder(handle gfs.ChunkHandle, now time.Time, alive func(gfs.ServerAddress) bool) (*lease, error) {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	c, ok := cm.chunk[handle]
	if !ok {
		return nil, gfs.NewError(gfs.UnknownChunk, "chunk %v not found", handle)
	}

	if !c.hasLease(now) {
		if c.location.Size() == 0 {
			return nil, gfs.NewError(gfs.ChunkUnavailable, "no replica available for chunk %v", handle)
		}
		c.primary = ""
		for _, addr := range c.location.Sorted() {
			if alive(addr) {
				c.primary = addr
				break
			}
		}
		if c.primary == "" {
			return nil, gfs.NewError(gfs.ChunkUnavailable, "no alive replica for chunk %v", handle)
		}
		c.expire = now.Add(cm.leaseTimeout)
		c.version++
	}

	return &lease{c.primary, c.expire, c.version, c.secondariesOf(c.primary)}, nil
}

// RevokeLease clears the lease of a chunk. This is the only way a new
// primary can be chosen before the current lease expires.
func (cm *chunkManager) RevokeLease(handle gfs.ChunkHandle) error {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	c, ok := cm.chunk[handle]
	if !ok {
		return gfs.NewError(gfs.UnknownChunk, "chunk %v not found", handle)
	}
	c.primary = ""
	c.expire = time.Time{}
	return nil
}

// GetLocations returns the alive replicas of a chunk in ascending id
// order, plus the primary while its lease is valid. Replicas on dead
// servers keep their bytes; they are just not offered as candidates.
func (cm *chunkManager) GetLocations(handle gfs.ChunkHandle, now time.Time, alive func(gfs.ServerAddress) bool) ([]gfs.ServerAddress, gfs.ServerAddress, error) {
	cm.lock.RLock()
	defer cm.lock.RUnlock()

	c, ok := cm.chunk[handle]
	if !ok {
		return nil, "", gfs.NewError(gfs.UnknownChunk, "chunk %v not found", handle)
	}

	var locations []gfs.ServerAddress
	for _, addr := range c.location.Sorted() {
		if alive(addr) {
			locations = append(locations, addr)
		}
	}

	var primary gfs.ServerAddress
	if c.hasLease(now) {
		primary = c.primary
	}
	return locations, primary, nil
}

// CountAliveReplicas reports how many replicas of handle are alive.
func (cm *chunkManager) CountAliveReplicas(handle gfs.ChunkHandle, alive func(gfs.ServerAddress) bool) (int, error) {
	cm.lock.RLock()
	defer cm.lock.RUnlock()

	c, ok := cm.chunk[handle]
	if !ok {
		return 0, gfs.NewError(gfs.UnknownChunk, "chunk %v not found", handle)
	}
	n := 0
	for _, addr := range c.location.Sorted() {
		if alive(addr) {
			n++
		}
	}
	return n, nil
}
