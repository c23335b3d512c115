package handler

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"redisd/internal/metrics"
	"redisd/internal/protocol"
	"redisd/internal/replication"
	"redisd/internal/storage"
)

// CommandFunc is a function type for command handlers. It receives the argv
// tail (everything after the verb) and returns the encoded reply, or nil
// when the command produces none. The client is nil for commands ingested
// from the master stream.
type CommandFunc func(c *Client, args []string) []byte

// Client is one accepted connection. The ID is assigned monotonically at
// accept time and keys both the transaction table and the replica registry.
type Client struct {
	ID     int64
	Conn   net.Conn
	Writer *bufio.Writer
}

// propagatedCommands are the write commands whose encoded bytes are
// forwarded to every registered replica writer.
var propagatedCommands = map[string]bool{
	"SET": true,
}

type CommandHandler struct {
	log      *zap.Logger
	store    *storage.Store
	repl     *replication.Manager
	env      *viper.Viper
	clock    clock.Clock
	commands map[string]CommandFunc
	txs      *TransactionManager
}

func New(store *storage.Store, repl *replication.Manager, env *viper.Viper, clk clock.Clock, log *zap.Logger) *CommandHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	h := &CommandHandler{
		log:   log.Named("handler"),
		store: store,
		repl:  repl,
		env:   env,
		clock: clk,
		txs:   NewTransactionManager(),
	}
	h.registerCommands()
	return h
}

// registerCommands initializes the command map with all supported commands.
func (h *CommandHandler) registerCommands() {
	h.commands = map[string]CommandFunc{
		"PING": h.handlePing,
		"ECHO": h.handleEcho,
		"SET":  h.handleSet,
		"GET":  h.handleGet,
		"INCR": h.handleIncr,
		"TYPE": h.handleType,
		"KEYS": h.handleKeys,

		"XADD":   h.handleXAdd,
		"XRANGE": h.handleXRange,
		"XREAD":  h.handleXRead,

		"MULTI":   h.handleMulti,
		"EXEC":    h.handleExec,
		"DISCARD": h.handleDiscard,

		"CONFIG": h.handleConfig,
		"INFO":   h.handleInfo,

		"REPLCONF": h.handleReplConf,
		"PSYNC":    h.handlePSync,
		"WAIT":     h.handleWait,
	}
}

// Dispatch resolves the verb and executes the command for a client
// connection. While the client has a transaction open, everything except
// EXEC and DISCARD is queued instead of executed.
func (h *CommandHandler) Dispatch(c *Client, args []string) []byte {
	if len(args) == 0 {
		return protocol.EncodeError("ERR empty command")
	}

	verb := strings.ToUpper(args[0])
	metrics.CommandsTotal.WithLabelValues(verb).Inc()

	if c != nil {
		if tx := h.txs.Lookup(c.ID); tx != nil && tx.Open && verb != "EXEC" && verb != "DISCARD" {
			tx.Queue = append(tx.Queue, QueuedCommand{Name: verb, Args: args[1:]})
			return protocol.EncodeSimpleString("QUEUED")
		}
	}

	return h.call(c, verb, args[1:])
}

// ExecutePropagated executes a command received over the replication
// stream. Propagated commands bypass transaction queueing and run against
// the local keyspace; the caller decides whether the reply travels back.
func (h *CommandHandler) ExecutePropagated(args []string) []byte {
	if len(args) == 0 {
		return nil
	}
	return h.call(nil, strings.ToUpper(args[0]), args[1:])
}

// call executes a single resolved command, then forwards it to the replica
// writers when it is a propagated write accepted on a master. Forwarding
// happens before the reply is returned, so a client that observes the
// master offset afterwards captures a WAIT target covering its own write.
func (h *CommandHandler) call(c *Client, verb string, args []string) []byte {
	fn, exists := h.commands[verb]
	if !exists {
		return protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", verb))
	}

	reply := fn(c, args)

	if propagatedCommands[verb] && h.repl.Role() == replication.RoleMaster && !isErrorReply(reply) {
		h.repl.Propagate(protocol.EncodeArray(append([]string{verb}, args...)))
	}

	return reply
}

// RemoveClient drops per-connection state on disconnect.
func (h *CommandHandler) RemoveClient(id int64) {
	h.txs.Remove(id)
}

func isErrorReply(reply []byte) bool {
	return len(reply) > 0 && reply[0] == '-'
}
