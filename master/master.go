package master

import (
	"net"
	"net/rpc"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gfs"
)

// Master is the metadata authority: it allocates chunks, places
// replicas, grants leases and tracks chunkserver liveness.
type Master struct {
	address  gfs.ServerAddress
	cfg      gfs.Config
	l        net.Listener
	shutdown chan struct{}
	dead     bool

	cm  *chunkManager
	csm *chunkServerManager

	observerLock      sync.RWMutex
	onReplicaShortage func(gfs.ServerAddress, []gfs.ChunkHandle)
}

// NewAndServe starts a master and returns the pointer to it.
func NewAndServe(address gfs.ServerAddress, cfg gfs.Config) *Master {
	m := &Master{
		address:  address,
		cfg:      cfg,
		shutdown: make(chan struct{}),
		cm:       newChunkManager(cfg.LeaseTimeout),
		csm:      newChunkServerManager(cfg.DeadThreshold),
	}

	rpcs := rpc.NewServer()
	rpcs.Register(m)
	l, e := net.Listen("tcp", string(m.address))
	if e != nil {
		log.Fatal("master listen error: ", e)
	}
	m.l = l

	// RPC Handler
	go func() {
		for {
			select {
			case <-m.shutdown:
				return
			default:
			}
			conn, err := m.l.Accept()
			if err == nil {
				go func() {
					rpcs.ServeConn(conn)
					conn.Close()
				}()
			} else {
				if !m.dead {
					log.Fatal("master accept error: ", err)
				}
			}
		}
	}()

	log.Infof("Master is running now. addr = %v", address)

	return m
}

// Shutdown shuts down master
func (m *Master) Shutdown() {
	if !m.dead {
		log.Warning(m.address, " Shutdown")
		m.dead = true
		close(m.shutdown)
		m.l.Close()
	}
}

// OnReplicaShortage registers the hook fired when a chunkserver moves
// alive to dead, carrying the handles whose alive-replica count fell
// below the replication factor. Running repair in response is up to the
// observer; the master only reports.
func (m *Master) OnReplicaShortage(f func(gfs.ServerAddress, []gfs.ChunkHandle)) {
	m.observerLock.Lock()
	defer m.observerLock.Unlock()
	m.onReplicaShortage = f
}

// refreshLiveness runs lazy dead detection and fires the shortage hook
// for each alive-to-dead transition.
func (m *Master) refreshLiveness() {
	for _, tr := range m.csm.RefreshLiveness(time.Now()) {
		log.Warningf("master: chunkserver %v is dead", tr.addr)

		var short []gfs.ChunkHandle
		for _, h := range tr.chunks {
			n, err := m.cm.CountAliveReplicas(h, m.csm.IsAlive)
			if err == nil && n < m.cfg.NumReplicas {
				short = append(short, h)
			}
		}

		m.observerLock.RLock()
		f := m.onReplicaShortage
		m.observerLock.RUnlock()
		if f != nil {
			f(tr.addr, short)
		}
	}
}

// RPCHeartbeat is called by a chunkserver to report liveness and its
// chunk inventory. It always succeeds.
func (m *Master) RPCHeartbeat(args gfs.HeartbeatArg, reply *gfs.HeartbeatReply) error {
	m.csm.Heartbeat(args.Address, args.Chunks, args.Timestamp)
	return nil
}

// RPCCreateFile inserts an empty file entry.
func (m *Master) RPCCreateFile(args gfs.CreateFileArg, reply *gfs.CreateFileReply) error {
	reply.ErrorCode = gfs.CodeOf(m.cm.CreateFile(args.Path))
	return nil
}

// RPCGetFileInfo returns the chunk handles of a file in append order.
func (m *Master) RPCGetFileInfo(args gfs.GetFileInfoArg, reply *gfs.GetFileInfoReply) error {
	handles, err := m.cm.GetFileChunks(args.Path)
	if err != nil {
		reply.ErrorCode = gfs.CodeOf(err)
		return nil
	}
	reply.Chunks = handles
	return nil
}

// RPCAllocateChunk creates a new chunk for path on replication-factor
// alive chunkservers. Failures leave no partial state: the file is
// checked first and the replica selection happens before any metadata
// is written.
func (m *Master) RPCAllocateChunk(args gfs.AllocateChunkArg, reply *gfs.AllocateChunkReply) error {
	m.refreshLiveness()

	if !m.cm.HasFile(args.Path) {
		reply.ErrorCode = gfs.UnknownFile
		return nil
	}
	addrs, err := m.csm.ChooseServers(m.cfg.NumReplicas)
	if err != nil {
		reply.ErrorCode = gfs.CodeOf(err)
		return nil
	}
	handle, err := m.cm.CreateChunk(args.Path, addrs)
	if err != nil {
		reply.ErrorCode = gfs.CodeOf(err)
		return nil
	}

	log.Infof("master: allocated chunk %v for %v on %v", handle, args.Path, addrs)
	reply.Handle = handle
	reply.Locations = addrs
	return nil
}

// RPCGetLease returns the lease holder and secondaries of a chunk.
// If no one holds a valid lease currently, grant one.
func (m *Master) RPCGetLease(args gfs.GetLeaseArg, reply *gfs.GetLeaseReply) error {
	m.refreshLiveness()

	l, err := m.cm.GetLeaseHolder(args.Handle, time.Now(), m.csm.IsAlive)
	if err != nil {
		reply.ErrorCode = gfs.CodeOf(err)
		return nil
	}
	reply.Primary = l.primary
	reply.Secondaries = l.secondaries
	reply.Version = l.version
	reply.Expire = l.expire
	return nil
}

// RPCRevokeLease clears the lease of a chunk so a new primary can be
// chosen before the current lease expires.
func (m *Master) RPCRevokeLease(args gfs.RevokeLeaseArg, reply *gfs.RevokeLeaseReply) error {
	reply.ErrorCode = gfs.CodeOf(m.cm.RevokeLease(args.Handle))
	return nil
}

// RPCGetChunkLocations is called by the client to find the chunkservers
// that can serve a chunk.
func (m *Master) RPCGetChunkLocations(args gfs.GetChunkLocationsArg, reply *gfs.GetChunkLocationsReply) error {
	m.refreshLiveness()

	locations, primary, err := m.cm.GetLocations(args.Handle, time.Now(), m.csm.IsAlive)
	if err != nil {
		reply.ErrorCode = gfs.CodeOf(err)
		return nil
	}
	reply.Locations = locations
	reply.Primary = primary
	return nil
}
