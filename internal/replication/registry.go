package replication

import (
	"bufio"
	"net"
	"sync"

	"go.uber.org/zap"

	"redisd/internal/metrics"
)

// Replica is one registered outbound replica writer on the master side.
// Records are keyed by the connection ID assigned at accept time, which is
// stable for the life of the socket.
type Replica struct {
	ID     int64
	Conn   net.Conn
	Writer *bufio.Writer

	ReplID string

	mu          sync.Mutex
	ackedOffset int64
}

// AckedOffset returns the last offset the replica acknowledged.
func (r *Replica) AckedOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ackedOffset
}

// Registry tracks the master's replica writers.
type Registry struct {
	log      *zap.Logger
	mu       sync.RWMutex
	replicas map[int64]*Replica
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:      log.Named("registry"),
		replicas: make(map[int64]*Replica),
	}
}

// Add registers a replica writer after it completes PSYNC.
func (reg *Registry) Add(id int64, conn net.Conn, writer *bufio.Writer, replID string, offset int64) *Replica {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := &Replica{
		ID:          id,
		Conn:        conn,
		Writer:      writer,
		ReplID:      replID,
		ackedOffset: offset,
	}
	reg.replicas[id] = r
	metrics.ConnectedReplicas.Set(float64(len(reg.replicas)))

	reg.log.Info("replica registered", zap.Int64("conn_id", id))
	return r
}

// Remove drops a replica record. Safe to call for connections that were
// never registered.
func (reg *Registry) Remove(id int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.replicas[id]; exists {
		delete(reg.replicas, id)
		metrics.ConnectedReplicas.Set(float64(len(reg.replicas)))
		reg.log.Info("replica removed", zap.Int64("conn_id", id))
	}
}

// Count returns the number of registered replicas.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.replicas)
}

// Replicas enumerates the registered records.
func (reg *Registry) Replicas() []*Replica {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Replica, 0, len(reg.replicas))
	for _, r := range reg.replicas {
		out = append(out, r)
	}
	return out
}

// Broadcast writes data to every replica writer. A writer that fails is
// removed; the remaining replicas keep receiving.
func (reg *Registry) Broadcast(data []byte) {
	var failed []int64

	for _, r := range reg.Replicas() {
		r.mu.Lock()
		_, err := r.Writer.Write(data)
		if err == nil {
			err = r.Writer.Flush()
		}
		r.mu.Unlock()

		if err != nil {
			reg.log.Warn("replica write failed, evicting",
				zap.Int64("conn_id", r.ID), zap.Error(err))
			failed = append(failed, r.ID)
		}
	}

	for _, id := range failed {
		reg.Remove(id)
	}

	metrics.PropagatedBytes.Add(float64(len(data)))
}

// UpdateOffset records an acknowledged offset for the replica whose
// connection matches id.
func (reg *Registry) UpdateOffset(id, offset int64) {
	reg.mu.RLock()
	r, exists := reg.replicas[id]
	reg.mu.RUnlock()

	if !exists {
		return
	}

	r.mu.Lock()
	r.ackedOffset = offset
	r.mu.Unlock()
}

// CheckSync counts replicas whose acknowledged offset has reached target.
func (reg *Registry) CheckSync(target int64) int {
	count := 0
	for _, r := range reg.Replicas() {
		if r.AckedOffset() >= target {
			count++
		}
	}
	return count
}
