package handler

import (
	"fmt"
	"strings"

	"redisd/internal/protocol"
	"redisd/internal/replication"
)

// handleConfig serves CONFIG GET. Values come from the process environment
// through viper; there is no configuration file behind this surface.
func (h *CommandHandler) handleConfig(c *Client, args []string) []byte {
	if len(args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'config' command")
	}

	switch strings.ToLower(args[0]) {
	case "get":
		name := args[1]
		// Bind the exact name so lower-case environment variables resolve
		// too; AutomaticEnv only consults the upper-cased form.
		h.env.BindEnv(name, name)
		if !h.env.IsSet(name) {
			return protocol.EncodeValue([]interface{}{name, nil})
		}
		return protocol.EncodeArray([]string{name, h.env.GetString(name)})
	default:
		return protocol.EncodeError(fmt.Sprintf("Invalid config subcommand: %s", args[0]))
	}
}

func (h *CommandHandler) handleInfo(c *Client, args []string) []byte {
	if len(args) < 1 {
		return protocol.EncodeError("Currently, INFO command expects subcommand")
	}

	switch strings.ToLower(args[0]) {
	case "replication":
		return h.infoReplication()
	default:
		return protocol.EncodeError(fmt.Sprintf("Invalid info subcommand: %s", args[0]))
	}
}

func (h *CommandHandler) infoReplication() []byte {
	role := "slave"
	if h.repl.Role() == replication.RoleMaster {
		role = "master"
	}

	lines := []string{"role:" + role}
	if role == "master" {
		lines = append(lines,
			fmt.Sprintf("master_repl_offset:%d", h.repl.Offset()),
			fmt.Sprintf("master_replid:%s", h.repl.ReplID()),
		)
	}

	return protocol.EncodeBulkString(strings.Join(lines, "\r\n"))
}
