package client

import (
	log "github.com/sirupsen/logrus"

	"gfs"
	"gfs/util"
)

// Client is the stateless client-side driver. It holds no authoritative
// state; the location cache is a convenience that is always
// re-validatable against the master.
type Client struct {
	master    gfs.ServerAddress
	cfg       gfs.Config
	locations *locationCache
}

// NewClient returns a new client talking to the given master.
func NewClient(master gfs.ServerAddress, cfg gfs.Config) *Client {
	return &Client{
		master:    master,
		cfg:       cfg,
		locations: newLocationCache(master, cfg.LeaseTimeout, cfg.LeaseTimeout/4),
	}
}

// Create creates a new file. Master errors pass through unchanged.
func (c *Client) Create(path gfs.Path) error {
	var r gfs.CreateFileReply
	if err := util.Call(c.master, "Master.RPCCreateFile", gfs.CreateFileArg{Path: path}, &r); err != nil {
		return err
	}
	return r.ErrorCode.Err()
}

// Append appends data to the file's last chunk, allocating a chunk when
// the file has none. If the primary reports ChunkFull, a fresh chunk is
// allocated and the append retried exactly once; a second ChunkFull
// surfaces to the caller. Returns the offset the record was written at
// within its chunk.
func (c *Client) Append(path gfs.Path, data []byte) (gfs.Offset, error) {
	var f gfs.GetFileInfoReply
	if err := util.Call(c.master, "Master.RPCGetFileInfo", gfs.GetFileInfoArg{Path: path}, &f); err != nil {
		return 0, err
	}
	if err := f.ErrorCode.Err(); err != nil {
		return 0, err
	}

	var handle gfs.ChunkHandle
	if len(f.Chunks) == 0 {
		var err error
		handle, err = c.allocateChunk(path)
		if err != nil {
			return 0, err
		}
	} else {
		handle = f.Chunks[len(f.Chunks)-1]
	}

	offset, err := c.appendChunk(handle, data)
	if gfs.CodeOf(err) == gfs.ChunkFull {
		log.Infof("Client : chunk %v full, retrying on a new chunk", handle)
		handle, err = c.allocateChunk(path)
		if err != nil {
			return 0, err
		}
		offset, err = c.appendChunk(handle, data)
	}
	return offset, err
}

// Read returns the whole file: every chunk payload concatenated in
// append order.
func (c *Client) Read(path gfs.Path) ([]byte, error) {
	var f gfs.GetFileInfoReply
	if err := util.Call(c.master, "Master.RPCGetFileInfo", gfs.GetFileInfoArg{Path: path}, &f); err != nil {
		return nil, err
	}
	if err := f.ErrorCode.Err(); err != nil {
		return nil, err
	}

	var buf []byte
	for _, handle := range f.Chunks {
		data, err := c.readChunk(handle)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// allocateChunk asks the master for a new chunk of path.
func (c *Client) allocateChunk(path gfs.Path) (gfs.ChunkHandle, error) {
	var r gfs.AllocateChunkReply
	if err := util.Call(c.master, "Master.RPCAllocateChunk", gfs.AllocateChunkArg{Path: path}, &r); err != nil {
		return 0, err
	}
	return r.Handle, r.ErrorCode.Err()
}

// appendChunk drives one append attempt: lease, create on replicas,
// then the primary append with fan-out.
func (c *Client) appendChunk(handle gfs.ChunkHandle, data []byte) (gfs.Offset, error) {
	var l gfs.GetLeaseReply
	if err := util.Call(c.master, "Master.RPCGetLease", gfs.GetLeaseArg{Handle: handle}, &l); err != nil {
		return 0, err
	}
	if err := l.ErrorCode.Err(); err != nil {
		return 0, err
	}

	// make sure every replica stores the chunk; an existing chunk is
	// as good as a created one
	replicas := append([]gfs.ServerAddress{l.Primary}, l.Secondaries...)
	for _, addr := range replicas {
		var r gfs.CreateChunkReply
		if err := util.Call(addr, "ChunkServer.RPCCreateChunk", gfs.CreateChunkArg{Handle: handle}, &r); err != nil {
			return 0, err
		}
		if r.ErrorCode != gfs.Success && r.ErrorCode != gfs.ChunkExists {
			return 0, r.ErrorCode.Err()
		}
	}

	var a gfs.AppendChunkReply
	args := gfs.AppendChunkArg{Handle: handle, Data: data, Secondaries: l.Secondaries}
	if err := util.Call(l.Primary, "ChunkServer.RPCAppendChunk", args, &a); err != nil {
		return 0, err
	}
	return a.Offset, a.ErrorCode.Err()
}

// readChunk reads one whole chunk, trying the valid primary first and
// then the remaining alive replicas in ascending id order. A second
// round with fresh locations guards against a stale cache entry.
func (c *Client) readChunk(handle gfs.ChunkHandle) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var loc *chunkLocations
		var err error
		if attempt == 0 {
			loc, err = c.locations.Get(handle)
		} else {
			loc, err = c.locations.Refresh(handle)
		}
		if err != nil {
			return nil, err
		}

		for _, addr := range loc.candidates() {
			var r gfs.ReadChunkReply
			err := util.Call(addr, "ChunkServer.RPCReadChunk", gfs.ReadChunkArg{Handle: handle, Offset: 0, Length: -1}, &r)
			if err == nil && r.ErrorCode == gfs.Success {
				return r.Data, nil
			}
			if err == nil {
				err = r.ErrorCode.Err()
			}
			log.Warningf("Client : read chunk %v from %v failed: %v", handle, addr, err)
		}
		c.locations.Invalidate(handle)
	}
	return nil, gfs.NewError(gfs.ChunkUnavailable, "no replica of chunk %v could serve a read", handle)
}
