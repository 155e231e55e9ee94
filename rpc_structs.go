package gfs

import (
	"time"
)

//------ Master

type CreateFileArg struct {
	Path Path
}
type CreateFileReply struct {
	ErrorCode ErrorCode
}

type AllocateChunkArg struct {
	Path Path
}
type AllocateChunkReply struct {
	Handle    ChunkHandle
	Locations []ServerAddress
	ErrorCode ErrorCode
}

type GetLeaseArg struct {
	Handle ChunkHandle
}
type GetLeaseReply struct {
	Primary     ServerAddress
	Secondaries []ServerAddress
	Version     ChunkVersion
	Expire      time.Time
	ErrorCode   ErrorCode
}

type RevokeLeaseArg struct {
	Handle ChunkHandle
}
type RevokeLeaseReply struct {
	ErrorCode ErrorCode
}

type GetChunkLocationsArg struct {
	Handle ChunkHandle
}
type GetChunkLocationsReply struct {
	Locations []ServerAddress // alive replicas, ascending id order
	Primary   ServerAddress   // empty unless a lease is currently valid
	ErrorCode ErrorCode
}

type GetFileInfoArg struct {
	Path Path
}
type GetFileInfoReply struct {
	Chunks    []ChunkHandle // append order
	ErrorCode ErrorCode
}

type HeartbeatArg struct {
	Address   ServerAddress // chunkserver address
	Chunks    []ChunkHandle // full local inventory
	Timestamp time.Time     // sender clock, informational
}
type HeartbeatReply struct{}

//------ ChunkServer

type CreateChunkArg struct {
	Handle ChunkHandle
}
type CreateChunkReply struct {
	ErrorCode ErrorCode
}

type ReadChunkArg struct {
	Handle ChunkHandle
	Offset Offset
	Length int // negative means the rest of the chunk
}
type ReadChunkReply struct {
	Data      []byte
	ErrorCode ErrorCode
}

// AppendChunkArg is sent to the primary, which forwards to Secondaries.
type AppendChunkArg struct {
	Handle      ChunkHandle
	Data        []byte
	Secondaries []ServerAddress
}
type AppendChunkReply struct {
	Offset    Offset
	ErrorCode ErrorCode
}

// ApplyAppendArg is the secondary-side append; no further forwarding.
type ApplyAppendArg struct {
	Handle ChunkHandle
	Data   []byte
}
type ApplyAppendReply struct {
	Offset    Offset
	ErrorCode ErrorCode
}
