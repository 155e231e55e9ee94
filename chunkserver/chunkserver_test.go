package chunkserver

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"

	"gfs"
)

// newTestServer starts a chunkserver whose heartbeats go nowhere; the
// master is not under test here and delivery failures are swallowed by
// design.
func newTestServer(t *testing.T, cfg gfs.Config) *ChunkServer {
	t.Helper()
	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := gfs.ServerAddress(fmt.Sprintf("127.0.0.1:%v", port))
	cs := NewAndServe(addr, "127.0.0.1:1", cfg)
	t.Cleanup(cs.Shutdown)
	return cs
}

func testConfig() gfs.Config {
	return gfs.Config{
		ChunkSize:         64,
		NumReplicas:       3,
		LeaseTimeout:      time.Minute,
		HeartbeatInterval: time.Hour,
		DeadThreshold:     time.Minute,
	}
}

func mustCreateChunk(t *testing.T, cs *ChunkServer, handle gfs.ChunkHandle) {
	t.Helper()
	var r gfs.CreateChunkReply
	cs.RPCCreateChunk(gfs.CreateChunkArg{Handle: handle}, &r)
	if r.ErrorCode != gfs.Success {
		t.Fatalf("create chunk %v: %v", handle, r.ErrorCode)
	}
}

func TestCreateChunkExists(t *testing.T) {
	cs := newTestServer(t, testConfig())

	mustCreateChunk(t, cs, 1)
	var r gfs.CreateChunkReply
	cs.RPCCreateChunk(gfs.CreateChunkArg{Handle: 1}, &r)
	if r.ErrorCode != gfs.ChunkExists {
		t.Errorf("second create: got %v, want ChunkExists", r.ErrorCode)
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	cs := newTestServer(t, testConfig())
	mustCreateChunk(t, cs, 1)

	var a gfs.AppendChunkReply
	cs.RPCAppendChunk(gfs.AppendChunkArg{Handle: 1, Data: []byte("hello")}, &a)
	if a.ErrorCode != gfs.Success {
		t.Fatalf("append: %v", a.ErrorCode)
	}
	if a.Offset != 0 {
		t.Errorf("first append offset: got %v, want 0", a.Offset)
	}

	cs.RPCAppendChunk(gfs.AppendChunkArg{Handle: 1, Data: []byte(" world")}, &a)
	if a.Offset != 5 {
		t.Errorf("second append offset: got %v, want 5", a.Offset)
	}

	var r gfs.ReadChunkReply
	cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 0, Length: -1}, &r)
	if !bytes.Equal(r.Data, []byte("hello world")) {
		t.Errorf("whole read: got %q, want %q", r.Data, "hello world")
	}

	cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 1, Length: 3}, &r)
	if !bytes.Equal(r.Data, []byte("ell")) {
		t.Errorf("range read: got %q, want %q", r.Data, "ell")
	}

	cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 100, Length: -1}, &r)
	if len(r.Data) != 0 {
		t.Errorf("read past end: got %q, want empty", r.Data)
	}
}

func TestReadUnknownChunk(t *testing.T) {
	cs := newTestServer(t, testConfig())

	var r gfs.ReadChunkReply
	cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 7, Offset: 0, Length: -1}, &r)
	if r.ErrorCode != gfs.ChunkNotFound {
		t.Errorf("got %v, want ChunkNotFound", r.ErrorCode)
	}
}

func TestAppendChunkFull(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 4
	cs := newTestServer(t, cfg)
	mustCreateChunk(t, cs, 1)

	var a gfs.AppendChunkReply
	cs.RPCAppendChunk(gfs.AppendChunkArg{Handle: 1, Data: []byte("hello")}, &a)
	if a.ErrorCode != gfs.ChunkFull {
		t.Fatalf("got %v, want ChunkFull", a.ErrorCode)
	}

	// a rejected append must not grow the buffer
	var r gfs.ReadChunkReply
	cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 0, Length: -1}, &r)
	if len(r.Data) != 0 {
		t.Errorf("rejected append left %v bytes behind", len(r.Data))
	}

	cs.RPCAppendChunk(gfs.AppendChunkArg{Handle: 1, Data: []byte("full")}, &a)
	if a.ErrorCode != gfs.Success {
		t.Errorf("exact-fit append: got %v, want success", a.ErrorCode)
	}
}

func TestPrimaryForwardsToSecondaries(t *testing.T) {
	primary := newTestServer(t, testConfig())
	secondary := newTestServer(t, testConfig())
	mustCreateChunk(t, primary, 1)
	mustCreateChunk(t, secondary, 1)

	var a gfs.AppendChunkReply
	primary.RPCAppendChunk(gfs.AppendChunkArg{
		Handle:      1,
		Data:        []byte("replicated"),
		Secondaries: []gfs.ServerAddress{secondary.address},
	}, &a)
	if a.ErrorCode != gfs.Success {
		t.Fatalf("append: %v", a.ErrorCode)
	}

	for _, cs := range []*ChunkServer{primary, secondary} {
		var r gfs.ReadChunkReply
		cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 0, Length: -1}, &r)
		if !bytes.Equal(r.Data, []byte("replicated")) {
			t.Errorf("server %v: got %q, want %q", cs.address, r.Data, "replicated")
		}
	}
}

func TestReplicationFailedKeepsPrimaryAdvanced(t *testing.T) {
	primary := newTestServer(t, testConfig())
	secondary := newTestServer(t, testConfig())
	mustCreateChunk(t, primary, 1)
	// secondary never got a create_chunk for handle 1

	var a gfs.AppendChunkReply
	primary.RPCAppendChunk(gfs.AppendChunkArg{
		Handle:      1,
		Data:        []byte("orphan"),
		Secondaries: []gfs.ServerAddress{secondary.address},
	}, &a)
	if a.ErrorCode != gfs.ReplicationFailed {
		t.Fatalf("got %v, want ReplicationFailed", a.ErrorCode)
	}

	// the documented inconsistency window: the primary's buffer has
	// already advanced
	var r gfs.ReadChunkReply
	primary.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 0, Length: -1}, &r)
	if !bytes.Equal(r.Data, []byte("orphan")) {
		t.Errorf("primary after failed replication: got %q, want %q", r.Data, "orphan")
	}
}

func TestReplicationFailedOnUnreachableSecondary(t *testing.T) {
	primary := newTestServer(t, testConfig())
	mustCreateChunk(t, primary, 1)

	var a gfs.AppendChunkReply
	primary.RPCAppendChunk(gfs.AppendChunkArg{
		Handle:      1,
		Data:        []byte("x"),
		Secondaries: []gfs.ServerAddress{"127.0.0.1:1"},
	}, &a)
	if a.ErrorCode != gfs.ReplicationFailed {
		t.Errorf("got %v, want ReplicationFailed", a.ErrorCode)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 1 << 20
	cs := newTestServer(t, cfg)
	mustCreateChunk(t, cs, 1)

	const n = 32
	record := func(x int) []byte { return []byte(fmt.Sprintf("%04d", x)) }

	offsets := make([]gfs.Offset, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(x int) {
			defer wg.Done()
			var a gfs.AppendChunkReply
			cs.RPCAppendChunk(gfs.AppendChunkArg{Handle: 1, Data: record(x)}, &a)
			if a.ErrorCode != gfs.Success {
				t.Errorf("append %v: %v", x, a.ErrorCode)
			}
			offsets[x] = a.Offset
		}(i)
	}
	wg.Wait()

	var r gfs.ReadChunkReply
	cs.RPCReadChunk(gfs.ReadChunkArg{Handle: 1, Offset: 0, Length: -1}, &r)
	if len(r.Data) != n*4 {
		t.Fatalf("total length: got %v, want %v", len(r.Data), n*4)
	}

	// every record landed whole at its reported offset
	seen := make(map[gfs.Offset]bool)
	for x := 0; x < n; x++ {
		off := offsets[x]
		if off%4 != 0 || seen[off] {
			t.Fatalf("append %v: bad offset %v", x, off)
		}
		seen[off] = true
		if !bytes.Equal(r.Data[off:off+4], record(x)) {
			t.Errorf("record %v at offset %v: got %q", x, off, r.Data[off:off+4])
		}
	}
}
