package chunkserver

import (
	"net"
	"net/rpc"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gfs"
	"gfs/util"
)

// ChunkServer stores chunk bytes and executes the write pipeline. It is
// the sole authority for the bytes it holds; all state is in-memory and
// process-lifetime.
type ChunkServer struct {
	lock     sync.RWMutex
	address  gfs.ServerAddress
	master   gfs.ServerAddress
	cfg      gfs.Config
	l        net.Listener
	shutdown chan struct{}
	dead     bool

	chunk map[gfs.ChunkHandle]*chunkInfo
}

// chunkInfo carries its own lock so concurrent appends to the same
// handle serialize while different handles proceed in parallel.
type chunkInfo struct {
	sync.Mutex
	data []byte // append-only, bounded by cfg.ChunkSize
}

// NewAndServe starts a chunkserver and returns the pointer to it.
func NewAndServe(addr, masterAddr gfs.ServerAddress, cfg gfs.Config) *ChunkServer {
	cs := &ChunkServer{
		address:  addr,
		master:   masterAddr,
		cfg:      cfg,
		shutdown: make(chan struct{}),
		chunk:    make(map[gfs.ChunkHandle]*chunkInfo),
	}

	rpcs := rpc.NewServer()
	rpcs.Register(cs)
	l, e := net.Listen("tcp", string(cs.address))
	if e != nil {
		log.Fatal("chunkserver listen error: ", e)
	}
	cs.l = l

	// RPC Handler
	go func() {
		for {
			select {
			case <-cs.shutdown:
				return
			default:
			}
			conn, err := cs.l.Accept()
			if err == nil {
				go func() {
					rpcs.ServeConn(conn)
					conn.Close()
				}()
			} else {
				if !cs.dead {
					log.Fatal("chunkserver accept error: ", err)
				}
			}
		}
	}()

	// Heartbeat
	go func() {
		for {
			select {
			case <-cs.shutdown:
				return
			default:
			}
			cs.heartbeat()
			time.Sleep(cfg.HeartbeatInterval)
		}
	}()

	log.Infof("ChunkServer is now running. addr = %v, master addr = %v", addr, masterAddr)

	return cs
}

// heartbeat reports identity and local inventory to the master.
// Delivery failures are swallowed; the next tick retries.
func (cs *ChunkServer) heartbeat() {
	cs.lock.RLock()
	handles := make([]gfs.ChunkHandle, 0, len(cs.chunk))
	for h := range cs.chunk {
		handles = append(handles, h)
	}
	cs.lock.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	args := gfs.HeartbeatArg{
		Address:   cs.address,
		Chunks:    handles,
		Timestamp: time.Now(),
	}
	var r gfs.HeartbeatReply
	if err := util.Call(cs.master, "Master.RPCHeartbeat", args, &r); err != nil {
		log.Warning("heartbeat rpc error ", err)
	}
}

// Shutdown shuts the chunkserver down
func (cs *ChunkServer) Shutdown() {
	if !cs.dead {
		log.Warning(cs.address, " Shutdown")
		cs.dead = true
		close(cs.shutdown)
		cs.l.Close()
	}
}

// RPCCreateChunk allocates an empty buffer for the given handle.
func (cs *ChunkServer) RPCCreateChunk(args gfs.CreateChunkArg, reply *gfs.CreateChunkReply) error {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	if _, ok := cs.chunk[args.Handle]; ok {
		reply.ErrorCode = gfs.ChunkExists
		return nil
	}
	log.Infof("Server %v : create chunk %v", cs.address, args.Handle)
	cs.chunk[args.Handle] = new(chunkInfo)
	return nil
}

// RPCReadChunk is called by the client; returns the requested byte
// range, or the rest of the chunk when Length is negative.
func (cs *ChunkServer) RPCReadChunk(args gfs.ReadChunkArg, reply *gfs.ReadChunkReply) error {
	cs.lock.RLock()
	ck, ok := cs.chunk[args.Handle]
	cs.lock.RUnlock()
	if !ok {
		reply.ErrorCode = gfs.ChunkNotFound
		return nil
	}

	ck.Lock()
	defer ck.Unlock()

	off := int(args.Offset)
	if off > len(ck.data) {
		off = len(ck.data)
	}
	end := len(ck.data)
	if args.Length >= 0 && off+args.Length < end {
		end = off + args.Length
	}
	reply.Data = append([]byte(nil), ck.data[off:end]...)
	return nil
}

// RPCAppendChunk is the primary-role append: append locally, then
// forward the same record to every secondary. The chunk lock is held
// across the fan-out so concurrent appends replicate in one order.
func (cs *ChunkServer) RPCAppendChunk(args gfs.AppendChunkArg, reply *gfs.AppendChunkReply) error {
	cs.lock.RLock()
	ck, ok := cs.chunk[args.Handle]
	cs.lock.RUnlock()
	if !ok {
		reply.ErrorCode = gfs.ChunkNotFound
		return nil
	}

	ck.Lock()
	defer ck.Unlock()

	if len(ck.data)+len(args.Data) > cs.cfg.ChunkSize {
		reply.ErrorCode = gfs.ChunkFull
		return nil
	}
	reply.Offset = gfs.Offset(len(ck.data))
	ck.data = append(ck.data, args.Data...)

	// The local buffer has already advanced at this point; a failed
	// forward still reports ReplicationFailed to the caller.
	if err := cs.forwardAppend(args.Handle, args.Data, args.Secondaries); err != nil {
		log.Warningf("Server %v : %v", cs.address, err)
		reply.ErrorCode = gfs.ReplicationFailed
	}
	return nil
}

// RPCApplyAppend is the secondary-role append: local only, no further
// forwarding.
func (cs *ChunkServer) RPCApplyAppend(args gfs.ApplyAppendArg, reply *gfs.ApplyAppendReply) error {
	cs.lock.RLock()
	ck, ok := cs.chunk[args.Handle]
	cs.lock.RUnlock()
	if !ok {
		reply.ErrorCode = gfs.ChunkNotFound
		return nil
	}

	ck.Lock()
	defer ck.Unlock()

	if len(ck.data)+len(args.Data) > cs.cfg.ChunkSize {
		reply.ErrorCode = gfs.ChunkFull
		return nil
	}
	reply.Offset = gfs.Offset(len(ck.data))
	ck.data = append(ck.data, args.Data...)
	return nil
}

// forwardAppend applies the same append on every secondary concurrently
// and reports the collected failures, if any.
func (cs *ChunkServer) forwardAppend(handle gfs.ChunkHandle, data []byte, secondaries []gfs.ServerAddress) error {
	if len(secondaries) == 0 {
		return nil
	}

	ch := make(chan error, len(secondaries))
	for _, addr := range secondaries {
		go func(addr gfs.ServerAddress) {
			var r gfs.ApplyAppendReply
			err := util.Call(addr, "ChunkServer.RPCApplyAppend", gfs.ApplyAppendArg{Handle: handle, Data: data}, &r)
			if err == nil {
				err = r.ErrorCode.Err()
			}
			ch <- err
		}(addr)
	}

	errList := ""
	for range secondaries {
		if err := <-ch; err != nil {
			errList += err.Error() + ";"
		}
	}
	if errList != "" {
		return gfs.NewError(gfs.ReplicationFailed, "chunk %v: %v", handle, errList)
	}
	return nil
}
