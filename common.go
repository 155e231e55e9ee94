package gfs

import "time"

type Path string
type ServerAddress string
type Offset int64
type ChunkHandle int64
type ChunkVersion int64

// Config carries the system tunables. Components never read global
// constants so that tests can shrink sizes and timeouts.
type Config struct {
	ChunkSize         int           // maximum chunk size in bytes
	NumReplicas       int           // replication factor
	LeaseTimeout      time.Duration // primary lease duration
	HeartbeatInterval time.Duration // chunkserver report period
	DeadThreshold     time.Duration // silence after which a server is dead
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         64 << 20,
		NumReplicas:       3,
		LeaseTimeout:      60 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DeadThreshold:     30 * time.Second,
	}
}
