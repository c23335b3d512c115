package replication

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role represents the server's role in replication.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave" // Redis uses "slave" in the protocol
)

// emptyRDB is a valid empty RDB file, sent as the full-resync snapshot.
const emptyRDB = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

// EmptyRDB returns the fixed empty-RDB payload bytes.
func EmptyRDB() []byte {
	data, err := base64.StdEncoding.DecodeString(emptyRDB)
	if err != nil {
		panic(fmt.Sprintf("replication: corrupt empty RDB constant: %v", err))
	}
	return data
}

// Manager carries the replication identity and offsets for one server
// process. On a master, offset counts bytes propagated to replicas; on a
// replica, bytesProcessed counts bytes consumed from the master stream
// since the handshake.
type Manager struct {
	log      *zap.Logger
	role     Role
	replID   string
	registry *Registry

	mu             sync.Mutex
	offset         int64
	bytesProcessed int64

	// Replica-side command execution, set by the server wiring.
	executor   func(args []string) []byte
	executorMu sync.RWMutex
}

func NewManager(role Role, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:      log.Named("replication"),
		role:     role,
		registry: NewRegistry(log),
	}
	if role == RoleMaster {
		m.replID = generateReplID()
	}
	return m
}

func (m *Manager) Role() Role          { return m.role }
func (m *Manager) ReplID() string      { return m.replID }
func (m *Manager) Registry() *Registry { return m.registry }

// Offset returns the master replication offset.
func (m *Manager) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// Propagate forwards raw RESP bytes to every registered replica writer and
// advances the master offset by the exact encoded length.
func (m *Manager) Propagate(data []byte) {
	m.registry.Broadcast(data)

	m.mu.Lock()
	m.offset += int64(len(data))
	m.mu.Unlock()
}

// BytesProcessed returns the replica-side count of bytes consumed from the
// master stream.
func (m *Manager) BytesProcessed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesProcessed
}

func (m *Manager) addProcessed(n int) {
	m.mu.Lock()
	m.bytesProcessed += int64(n)
	m.mu.Unlock()
}

// SetCommandExecutor sets the callback used to execute commands received
// from the master. The returned bytes are the encoded reply, or nil when
// the command produces none.
func (m *Manager) SetCommandExecutor(fn func(args []string) []byte) {
	m.executorMu.Lock()
	defer m.executorMu.Unlock()
	m.executor = fn
}

func (m *Manager) execute(args []string) []byte {
	m.executorMu.RLock()
	fn := m.executor
	m.executorMu.RUnlock()

	if fn == nil {
		m.log.Warn("no command executor set, dropping propagated command",
			zap.Strings("args", args))
		return nil
	}
	return fn(args)
}

// generateReplID generates the 40-character hex replication ID.
func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%040d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}
