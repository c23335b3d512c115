package handler

import (
	"strconv"
	"strings"
	"time"

	"redisd/internal/protocol"
)

func (h *CommandHandler) handlePing(c *Client, args []string) []byte {
	if len(args) >= 1 {
		return protocol.EncodeBulkString(args[0])
	}
	return protocol.EncodeSimpleString("PONG")
}

func (h *CommandHandler) handleEcho(c *Client, args []string) []byte {
	if len(args) < 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'echo' command")
	}
	return protocol.EncodeBulkString(args[0])
}

func (h *CommandHandler) handleSet(c *Client, args []string) []byte {
	if len(args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'set' command")
	}

	key := args[0]
	value := args[1]

	// PX/EX are case-insensitive; when duplicated the later one wins.
	var expiresAt *time.Time
	opts := args[2:]
	for i, opt := range opts {
		var unit time.Duration
		switch strings.ToLower(opt) {
		case "px":
			unit = time.Millisecond
		case "ex":
			unit = time.Second
		default:
			continue
		}

		if i+1 >= len(opts) {
			return protocol.EncodeError("ERR syntax error")
		}
		n, err := strconv.ParseInt(opts[i+1], 10, 64)
		if err != nil || n < 0 {
			return protocol.EncodeError("ERR invalid expire time in 'set' command")
		}
		t := h.clock.Now().Add(time.Duration(n) * unit)
		expiresAt = &t
	}

	h.store.Set(key, value, expiresAt)
	return protocol.EncodeSimpleString("OK")
}

func (h *CommandHandler) handleGet(c *Client, args []string) []byte {
	if len(args) < 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'get' command")
	}

	value, exists, err := h.store.Get(args[0])
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	if !exists {
		return protocol.EncodeNullBulkString()
	}
	return protocol.EncodeBulkString(value)
}

func (h *CommandHandler) handleIncr(c *Client, args []string) []byte {
	if len(args) < 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'incr' command")
	}

	value, err := h.store.Incr(args[0])
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return protocol.EncodeInteger(value)
}

func (h *CommandHandler) handleType(c *Client, args []string) []byte {
	if len(args) < 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'type' command")
	}
	return protocol.EncodeSimpleString(h.store.Type(args[0]))
}

func (h *CommandHandler) handleKeys(c *Client, args []string) []byte {
	if len(args) < 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'keys' command")
	}

	keys, err := h.store.Keys(args[0])
	if err != nil {
		return protocol.EncodeError("ERR invalid pattern")
	}
	return protocol.EncodeArray(keys)
}
