package master

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gfs"
)

// chunkServerManager manages chunkserver liveness and placement.
type chunkServerManager struct {
	sync.RWMutex
	servers       map[gfs.ServerAddress]*chunkServerInfo
	rotation      int // advances once per successful placement
	deadThreshold time.Duration
}

type chunkServerInfo struct {
	lastSeen   time.Time // master clock at last heartbeat
	reportedAt time.Time // sender clock, informational only
	alive      bool
	chunks     map[gfs.ChunkHandle]bool // reported inventory
}

func newChunkServerManager(deadThreshold time.Duration) *chunkServerManager {
	return &chunkServerManager{
		servers:       make(map[gfs.ServerAddress]*chunkServerInfo),
		deadThreshold: deadThreshold,
	}
}

// Heartbeat records a liveness and inventory report. It always succeeds.
func (csm *chunkServerManager) Heartbeat(addr gfs.ServerAddress, handles []gfs.ChunkHandle, reportedAt time.Time) {
	csm.Lock()
	defer csm.Unlock()

	sv, ok := csm.servers[addr]
	if !ok {
		log.Infof("master: new chunkserver %v", addr)
		sv = new(chunkServerInfo)
		csm.servers[addr] = sv
	}
	sv.lastSeen = time.Now()
	sv.reportedAt = reportedAt
	sv.alive = true
	sv.chunks = make(map[gfs.ChunkHandle]bool, len(handles))
	for _, h := range handles {
		sv.chunks[h] = true
	}
}

// deadTransition describes one server that just moved alive to dead,
// with the inventory it last reported.
type deadTransition struct {
	addr   gfs.ServerAddress
	chunks []gfs.ChunkHandle
}

// RefreshLiveness marks servers silent for deadThreshold or longer as
// dead and returns the transitions. Detection is lazy: this runs at the
// top of lookups instead of in a background sweeper.
func (csm *chunkServerManager) RefreshLiveness(now time.Time) []deadTransition {
	csm.Lock()
	defer csm.Unlock()

	var trans []deadTransition
	for addr, sv := range csm.servers {
		if sv.alive && now.Sub(sv.lastSeen) >= csm.deadThreshold {
			sv.alive = false
			handles := make([]gfs.ChunkHandle, 0, len(sv.chunks))
			for h := range sv.chunks {
				handles = append(handles, h)
			}
			sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
			trans = append(trans, deadTransition{addr, handles})
		}
	}
	return trans
}

// IsAlive reports whether addr heartbeated within the dead threshold.
func (csm *chunkServerManager) IsAlive(addr gfs.ServerAddress) bool {
	csm.RLock()
	defer csm.RUnlock()
	sv, ok := csm.servers[addr]
	return ok && sv.alive
}

// ChooseServers returns num servers to store a new chunk, selected by a
// deterministic rotation over the alive servers in ascending id order.
func (csm *chunkServerManager) ChooseServers(num int) ([]gfs.ServerAddress, error) {
	csm.Lock()
	defer csm.Unlock()

	var alive []gfs.ServerAddress
	for addr, sv := range csm.servers {
		if sv.alive {
			alive = append(alive, addr)
		}
	}
	if len(alive) < num {
		return nil, gfs.NewError(gfs.InsufficientReplicas,
			"%v alive chunkservers, need %v", len(alive), num)
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i] < alive[j] })

	start := csm.rotation % len(alive)
	ret := make([]gfs.ServerAddress, 0, num)
	for i := 0; i < num; i++ {
		ret = append(ret, alive[(start+i)%len(alive)])
	}
	csm.rotation++
	return ret, nil
}
