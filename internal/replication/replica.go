package replication

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"redisd/internal/protocol"
)

// ConnectToMaster dials the master, performs the full-resync handshake and
// starts ingesting the propagated command stream. listeningPort is this
// server's own port, reported via REPLCONF.
func (m *Manager) ConnectToMaster(host string, port, listeningPort int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to master: %w", err)
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if err := m.handshake(reader, writer, listeningPort); err != nil {
		conn.Close()
		return fmt.Errorf("replication handshake: %w", err)
	}

	m.log.Info("handshake complete, ingesting master stream", zap.String("master", addr))

	go func() {
		defer conn.Close()
		m.streamFromMaster(reader, writer)
	}()

	return nil
}

// handshake runs the replica side of the handshake:
// PING, REPLCONF listening-port, REPLCONF capa psync2, PSYNC ? -1,
// then consumes +FULLRESYNC and the unterminated RDB bulk.
func (m *Manager) handshake(reader *bufio.Reader, writer *bufio.Writer, listeningPort int) error {
	steps := []struct {
		args []string
		want string
	}{
		{[]string{"PING"}, "PONG"},
		{[]string{"REPLCONF", "listening-port", strconv.Itoa(listeningPort)}, "OK"},
		{[]string{"REPLCONF", "capa", "psync2"}, "OK"},
	}

	for _, step := range steps {
		if err := send(writer, protocol.EncodeArray(step.args)); err != nil {
			return err
		}
		resp, err := readLine(reader)
		if err != nil {
			return err
		}
		if !strings.Contains(resp, step.want) {
			return fmt.Errorf("unexpected %s response: %q", step.args[0], resp)
		}
	}

	if err := send(writer, protocol.EncodeArray([]string{"PSYNC", "?", "-1"})); err != nil {
		return err
	}

	resp, err := readLine(reader)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "+FULLRESYNC") {
		return fmt.Errorf("expected FULLRESYNC, got %q", resp)
	}
	parts := strings.Fields(resp)
	if len(parts) >= 2 {
		m.replID = parts[1]
	}
	m.log.Info("full resync granted", zap.String("replid", m.replID))

	// RDB snapshot: $<len>\r\n<bytes>, no trailing CRLF.
	header, err := readLine(reader)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(header, "$") {
		return fmt.Errorf("expected RDB bulk header, got %q", header)
	}
	size, err := strconv.Atoi(header[1:])
	if err != nil || size < 0 {
		return fmt.Errorf("invalid RDB length %q", header)
	}

	rdb := make([]byte, size)
	if _, err := io.ReadFull(reader, rdb); err != nil {
		return fmt.Errorf("reading RDB snapshot: %w", err)
	}
	m.log.Info("RDB snapshot received", zap.Int("bytes", size))

	return nil
}

// streamFromMaster consumes propagated commands until the connection drops.
// A single read may carry several back-to-back frames; every complete frame
// is executed and counted by its exact wire length. Only REPLCONF replies
// travel back upstream.
func (m *Manager) streamFromMaster(reader *bufio.Reader, writer *bufio.Writer) {
	var pending []byte
	buf := make([]byte, 4096)

	for {
		n, err := reader.Read(buf)
		if err != nil {
			m.log.Warn("master stream closed", zap.Error(err))
			return
		}
		pending = append(pending, buf[:n]...)

		cmds, consumed, err := protocol.MultiCommandDecoder(pending)
		if err != nil {
			m.log.Error("malformed frame from master", zap.Error(err))
			return
		}
		pending = pending[consumed:]

		for _, cmd := range cmds {
			resp := m.execute(cmd.Args)
			if resp != nil && strings.EqualFold(cmd.Args[0], "REPLCONF") {
				if err := send(writer, resp); err != nil {
					m.log.Warn("failed to reply to master", zap.Error(err))
					return
				}
			}
			m.addProcessed(cmd.ByteLength)
		}
	}
}

func send(writer *bufio.Writer, data []byte) error {
	if _, err := writer.Write(data); err != nil {
		return err
	}
	return writer.Flush()
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
