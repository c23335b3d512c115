package handler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"redisd/internal/protocol"
	"redisd/internal/replication"
)

// waitPollInterval is how often WAIT re-checks replica acknowledgements.
const waitPollInterval = 100 * time.Millisecond

// handleReplConf serves the REPLCONF subcommands. GETACK arrives over the
// master stream and is answered with the replica's processed-byte count;
// ACK arrives from a replica writer and updates its registry record with no
// reply; everything else is acknowledged with OK.
func (h *CommandHandler) handleReplConf(c *Client, args []string) []byte {
	if len(args) == 0 {
		return protocol.EncodeError("Currently, REPLCONF command expects subcommand")
	}

	switch strings.ToLower(args[0]) {
	case "getack":
		return protocol.EncodeArray([]string{
			"REPLCONF", "ACK", strconv.FormatInt(h.repl.BytesProcessed(), 10),
		})

	case "ack":
		if c == nil || len(args) < 2 {
			return nil
		}
		offset, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil
		}
		h.repl.Registry().UpdateOffset(c.ID, offset)
		return nil

	default:
		return protocol.EncodeSimpleString("OK")
	}
}

// handlePSync answers a full-resync request: the FULLRESYNC header, then
// the empty-RDB snapshot as an unterminated bulk, then the connection is
// registered as a replica writer. The reply bytes go straight to the
// writer; nothing more is returned for the session loop to send.
func (h *CommandHandler) handlePSync(c *Client, args []string) []byte {
	if c == nil {
		return nil
	}

	replID := h.repl.ReplID()
	offset := h.repl.Offset()

	payload := protocol.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s %d", replID, offset))
	payload = append(payload, protocol.EncodeFile(replication.EmptyRDB())...)

	if _, err := c.Writer.Write(payload); err != nil {
		h.log.Warn("psync write failed", zap.Int64("conn_id", c.ID), zap.Error(err))
		return nil
	}
	if err := c.Writer.Flush(); err != nil {
		h.log.Warn("psync write failed", zap.Int64("conn_id", c.ID), zap.Error(err))
		return nil
	}

	h.repl.Registry().Add(c.ID, c.Conn, c.Writer, replID, offset)
	return nil
}

// handleWait blocks until numreplicas replicas have acknowledged the master
// offset captured at entry, or the timeout lapses, and replies with the
// count of synced replicas. The target is captured before GETACK goes out,
// so it covers exactly the writes the calling client has observed.
func (h *CommandHandler) handleWait(c *Client, args []string) []byte {
	if len(args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'wait' command")
	}

	required, err := strconv.Atoi(args[0])
	if err != nil {
		return protocol.EncodeError("ERR value is not an integer or out of range")
	}
	timeoutMs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return protocol.EncodeError("ERR timeout is not an integer or out of range")
	}

	registry := h.repl.Registry()
	target := h.repl.Offset()
	if target == 0 {
		return protocol.EncodeInteger(int64(registry.Count()))
	}

	deadline := h.clock.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	h.repl.Propagate(protocol.EncodeArray([]string{"REPLCONF", "GETACK", "*"}))

	for {
		synced := registry.CheckSync(target)
		if synced >= required {
			return protocol.EncodeInteger(int64(synced))
		}

		now := h.clock.Now()
		if !now.Before(deadline) {
			return protocol.EncodeInteger(int64(synced))
		}

		wait := waitPollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		h.clock.Sleep(wait)
	}
}
