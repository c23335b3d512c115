package handler

import (
	"strconv"
	"strings"
	"time"

	"redisd/internal/protocol"
)

// xreadPollInterval is how often a blocking XREAD re-checks its streams.
const xreadPollInterval = 200 * time.Millisecond

func (h *CommandHandler) handleXAdd(c *Client, args []string) []byte {
	if len(args) < 4 || (len(args)-2)%2 != 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'xadd' command")
	}

	id, err := h.store.AddStream(args[0], args[1], args[2:])
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return protocol.EncodeBulkString(id)
}

func (h *CommandHandler) handleXRange(c *Client, args []string) []byte {
	if len(args) < 3 {
		return protocol.EncodeError("ERR wrong number of arguments for 'xrange' command")
	}

	entries, err := h.store.RangeStream(args[0], args[1], args[2])
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return protocol.EncodeValue(entries)
}

// handleXRead reads one or more streams past the given IDs, optionally
// blocking until at least one stream has data. The BLOCK and STREAMS
// keywords may appear in either order; start IDs are exclusive, and "$" is
// frozen to the stream's current top before any waiting begins.
func (h *CommandHandler) handleXRead(c *Client, args []string) []byte {
	blockIdx, streamsIdx := -1, -1
	for i, a := range args {
		switch strings.ToLower(a) {
		case "block":
			if blockIdx == -1 {
				blockIdx = i
			}
		case "streams":
			if streamsIdx == -1 {
				streamsIdx = i
			}
		}
	}

	if streamsIdx == -1 {
		return protocol.EncodeError("Invalid arguments. Expected streams in argument list")
	}

	blocking := blockIdx != -1
	var blockMs int64
	if blocking {
		if blockIdx+1 >= len(args) {
			return protocol.EncodeError("ERR syntax error")
		}
		n, err := strconv.ParseInt(args[blockIdx+1], 10, 64)
		if err != nil || n < 0 {
			return protocol.EncodeError("Block time must be a non-negative integer.")
		}
		blockMs = n
	}

	tail := args[streamsIdx+1:]
	if blockIdx > streamsIdx {
		// BLOCK <ms> landed after STREAMS; cut the pair out of the tail.
		rel := blockIdx - streamsIdx - 1
		if rel+2 <= len(tail) {
			tail = append(append([]string{}, tail[:rel]...), tail[rel+2:]...)
		}
	}

	if len(tail) == 0 || len(tail)%2 != 0 {
		return protocol.EncodeError("The number of stream keys must match the number of start IDs.")
	}

	n := len(tail) / 2
	keys := tail[:n]
	starts := make([]string, n)
	for i, id := range tail[n:] {
		if id == "$" {
			// Freeze to the current top; a missing stream waits for its
			// first ever entry.
			if top, ok := h.store.StreamTop(keys[i]); ok {
				id = top.String()
			} else {
				id = "0-0"
			}
		}
		starts[i] = "(" + id
	}

	deadline := h.clock.Now().Add(time.Duration(blockMs) * time.Millisecond)

	for {
		combined := make([]interface{}, 0, n)
		for i := range keys {
			entries, err := h.store.RangeStream(keys[i], starts[i], "+")
			if err != nil {
				return protocol.EncodeError(err.Error())
			}
			if len(entries) > 0 {
				combined = append(combined, []interface{}{keys[i], entries})
			}
		}

		if len(combined) > 0 {
			return protocol.EncodeValue(combined)
		}
		if !blocking {
			return protocol.EncodeNullBulkString()
		}
		if blockMs > 0 && h.clock.Now().After(deadline) {
			return protocol.EncodeNullBulkString()
		}

		h.clock.Sleep(xreadPollInterval)
	}
}
