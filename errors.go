package gfs

import "fmt"

type ErrorCode int

// error code constants
const (
	Success ErrorCode = iota
	UnknownError
	AlreadyExists
	UnknownFile
	UnknownChunk
	InsufficientReplicas
	ChunkUnavailable
	ChunkExists
	ChunkNotFound
	ChunkFull
	ReplicationFailed
)

var codeName = map[ErrorCode]string{
	Success:              "success",
	UnknownError:         "unknown error",
	AlreadyExists:        "file already exists",
	UnknownFile:          "unknown file",
	UnknownChunk:         "unknown chunk",
	InsufficientReplicas: "insufficient replicas",
	ChunkUnavailable:     "chunk unavailable",
	ChunkExists:          "chunk already exists",
	ChunkNotFound:        "chunk not found",
	ChunkFull:            "chunk full",
	ReplicationFailed:    "replication failed",
}

func (c ErrorCode) String() string {
	if s, ok := codeName[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error is the typed failure returned by every operation. The code also
// travels inside RPC reply structs, since the transport flattens error
// values to plain strings.
type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return e.Err
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) Error {
	return Error{Code: code, Err: fmt.Sprintf(format, args...)}
}

// Err materializes a reply code as an error value. Success yields nil.
func (c ErrorCode) Err() error {
	if c == Success {
		return nil
	}
	return Error{Code: c, Err: c.String()}
}

// CodeOf recovers the code of a typed error. nil maps to Success,
// anything untyped to UnknownError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if e, ok := err.(Error); ok {
		return e.Code
	}
	return UnknownError
}
