package handler

import (
	"sync"

	"redisd/internal/protocol"
)

// QueuedCommand is one command staged between MULTI and EXEC.
type QueuedCommand struct {
	Name string
	Args []string
}

// Transaction holds the per-connection transaction state. The queue is
// meaningful only while Open is true.
type Transaction struct {
	Open  bool
	Queue []QueuedCommand
}

// TransactionManager maps connection IDs to their transaction state.
type TransactionManager struct {
	mu           sync.Mutex
	transactions map[int64]*Transaction
}

func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		transactions: make(map[int64]*Transaction),
	}
}

// Lookup returns the transaction for a client, or nil when none exists.
func (tm *TransactionManager) Lookup(clientID int64) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.transactions[clientID]
}

// Get returns the transaction for a client, creating it if needed.
func (tm *TransactionManager) Get(clientID int64) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tx, exists := tm.transactions[clientID]; exists {
		return tx
	}
	tx := &Transaction{}
	tm.transactions[clientID] = tx
	return tx
}

// Remove drops a client's transaction state on disconnect.
func (tm *TransactionManager) Remove(clientID int64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.transactions, clientID)
}

func (h *CommandHandler) handleMulti(c *Client, args []string) []byte {
	if c == nil {
		return protocol.EncodeError("ERR MULTI is not allowed in this context")
	}

	tx := h.txs.Get(c.ID)
	tx.Open = true
	tx.Queue = tx.Queue[:0]
	return protocol.EncodeSimpleString("OK")
}

// handleExec runs the queued commands in order and replies with the array
// of their individual replies. A queued command that errors occupies its
// reply slot; the remaining commands still execute.
func (h *CommandHandler) handleExec(c *Client, args []string) []byte {
	if c == nil {
		return nil
	}

	tx := h.txs.Lookup(c.ID)
	if tx == nil || !tx.Open {
		return protocol.EncodeError("EXEC without MULTI")
	}

	tx.Open = false
	replies := make([][]byte, 0, len(tx.Queue))
	for _, q := range tx.Queue {
		replies = append(replies, h.call(c, q.Name, q.Args))
	}
	tx.Queue = nil

	return protocol.EncodeRawArray(replies)
}

func (h *CommandHandler) handleDiscard(c *Client, args []string) []byte {
	if c == nil {
		return nil
	}

	tx := h.txs.Lookup(c.ID)
	if tx == nil || !tx.Open {
		return protocol.EncodeError("DISCARD without MULTI")
	}

	tx.Open = false
	tx.Queue = nil
	return protocol.EncodeSimpleString("OK")
}
