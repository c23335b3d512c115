package handler

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"redisd/internal/protocol"
	"redisd/internal/replication"
	"redisd/internal/storage"
)

type testRig struct {
	handler *CommandHandler
	store   *storage.Store
	repl    *replication.Manager
	clock   *clock.Mock
}

func newTestRig(t *testing.T, role replication.Role) *testRig {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	env := viper.New()
	env.AutomaticEnv()

	store := storage.NewStore(mock)
	repl := replication.NewManager(role, zap.NewNop())
	h := New(store, repl, env, mock, zap.NewNop())

	return &testRig{handler: h, store: store, repl: repl, clock: mock}
}

func (r *testRig) client(id int64) (*Client, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Client{ID: id, Writer: bufio.NewWriter(&buf)}, &buf
}

// dispatchFrame decodes a literal RESP frame and dispatches it, returning
// the encoded reply.
func (r *testRig) dispatchFrame(t *testing.T, c *Client, frame string) string {
	t.Helper()
	args, n, err := protocol.DecodeCommand([]byte(frame))
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	return string(r.handler.Dispatch(c, args))
}

func TestSetGetRoundtrip(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := rig.dispatchFrame(t, c, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	assert.Equal(t, "+OK\r\n", out)

	out = rig.dispatchFrame(t, c, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	assert.Equal(t, "$3\r\nbar\r\n", out)
}

func TestGetMissingKey(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := string(rig.handler.Dispatch(c, []string{"GET", "nope"}))
	assert.Equal(t, "$-1\r\n", out)
}

func TestIncrOnMissingKey(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := rig.dispatchFrame(t, c, "*2\r\n$4\r\nINCR\r\n$1\r\nn\r\n")
	assert.Equal(t, ":1\r\n", out)

	out = string(rig.handler.Dispatch(c, []string{"INCR", "n"}))
	assert.Equal(t, ":2\r\n", out)
}

func TestIncrNonNumeric(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"SET", "k", "abc"})
	out := string(rig.handler.Dispatch(c, []string{"INCR", "k"}))
	assert.Equal(t, "-value is not an integer or out of range\r\n", out)
}

func TestSetWithExpiry(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := string(rig.handler.Dispatch(c, []string{"SET", "k", "v", "PX", "100"}))
	assert.Equal(t, "+OK\r\n", out)

	assert.Equal(t, "$1\r\nv\r\n", string(rig.handler.Dispatch(c, []string{"GET", "k"})))

	rig.clock.Add(200 * time.Millisecond)
	assert.Equal(t, "$-1\r\n", string(rig.handler.Dispatch(c, []string{"GET", "k"})))
}

func TestSetExpiryOptionCaseAndPrecedence(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	// Later option wins: EX 100 overrides PX 10.
	out := string(rig.handler.Dispatch(c, []string{"SET", "k", "v", "px", "10", "ex", "100"}))
	assert.Equal(t, "+OK\r\n", out)

	rig.clock.Add(time.Second)
	assert.Equal(t, "$1\r\nv\r\n", string(rig.handler.Dispatch(c, []string{"GET", "k"})))
}

func TestSetRejectsNegativeExpiry(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := string(rig.handler.Dispatch(c, []string{"SET", "k", "v", "PX", "-1"}))
	assert.Equal(t, "-ERR invalid expire time in 'set' command\r\n", out)
}

func TestTypeCommand(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"SET", "s", "v"})
	rig.handler.Dispatch(c, []string{"XADD", "x", "1-1", "f", "v"})

	assert.Equal(t, "+string\r\n", string(rig.handler.Dispatch(c, []string{"TYPE", "s"})))
	assert.Equal(t, "+stream\r\n", string(rig.handler.Dispatch(c, []string{"TYPE", "x"})))
	assert.Equal(t, "+none\r\n", string(rig.handler.Dispatch(c, []string{"TYPE", "nope"})))
}

func TestUnknownCommand(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := string(rig.handler.Dispatch(c, []string{"frobnicate"}))
	assert.Equal(t, "-ERR unknown command 'FROBNICATE'\r\n", out)
}

func TestPingAndEcho(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	assert.Equal(t, "+PONG\r\n", string(rig.handler.Dispatch(c, []string{"PING"})))
	assert.Equal(t, "$2\r\nhi\r\n", string(rig.handler.Dispatch(c, []string{"ping", "hi"})))
	assert.Equal(t, "$5\r\nhello\r\n", string(rig.handler.Dispatch(c, []string{"ECHO", "hello"})))
}

func TestXAddBackwardIDError(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := rig.dispatchFrame(t, c, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n5-0\r\n$1\r\nf\r\n$1\r\nv\r\n")
	assert.Equal(t, "$3\r\n5-0\r\n", out)

	out = rig.dispatchFrame(t, c, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n4-0\r\n$1\r\nf\r\n$1\r\nv\r\n")
	assert.Equal(t, "-The ID specified in XADD is equal or smaller than the target stream top item\r\n", out)

	out = string(rig.handler.Dispatch(c, []string{"XADD", "t", "0-0", "f", "v"}))
	assert.Equal(t, "-The ID specified in XADD must be greater than 0-0\r\n", out)
}

func TestXRangeReply(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"XADD", "s", "1-0", "temp", "36"})
	rig.handler.Dispatch(c, []string{"XADD", "s", "1-1", "temp", "37"})

	out := string(rig.handler.Dispatch(c, []string{"XRANGE", "s", "-", "+"}))
	want := "*2\r\n" +
		"*2\r\n$3\r\n1-0\r\n*2\r\n$4\r\ntemp\r\n$2\r\n36\r\n" +
		"*2\r\n$3\r\n1-1\r\n*2\r\n$4\r\ntemp\r\n$2\r\n37\r\n"
	assert.Equal(t, want, out)
}

func TestXReadNonBlocking(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"XADD", "s", "1-1", "f", "v"})

	out := string(rig.handler.Dispatch(c, []string{"XREAD", "STREAMS", "s", "0-0"}))
	want := "*1\r\n*2\r\n$1\r\ns\r\n*1\r\n*2\r\n$3\r\n1-1\r\n*2\r\n$1\r\nf\r\n$1\r\nv\r\n"
	assert.Equal(t, want, out)

	// Start IDs are exclusive.
	out = string(rig.handler.Dispatch(c, []string{"XREAD", "STREAMS", "s", "1-1"}))
	assert.Equal(t, "$-1\r\n", out)
}

func TestXReadDollarSeesOnlyNewEntries(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"XADD", "s", "1-1", "f", "v"})

	// $ freezes to the current top, so nothing is returned without new data.
	out := string(rig.handler.Dispatch(c, []string{"XREAD", "STREAMS", "s", "$"}))
	assert.Equal(t, "$-1\r\n", out)
}

func TestXReadMissingStreamsKeyword(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := string(rig.handler.Dispatch(c, []string{"XREAD", "s", "0-0"}))
	assert.True(t, strings.HasPrefix(out, "-"))
}

func TestXReadBlockTimesOut(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	done := make(chan string, 1)
	go func() {
		done <- string(rig.handler.Dispatch(c, []string{"XREAD", "BLOCK", "300", "STREAMS", "s", "$"}))
	}()

	// Walk the mock clock past the deadline; each tick releases one poll
	// sleep.
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case out := <-done:
			assert.Equal(t, "$-1\r\n", out)
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("blocking XREAD did not time out")
		}
		rig.clock.Add(200 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func TestTransactionFlow(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	assert.Equal(t, "+OK\r\n", string(rig.handler.Dispatch(c, []string{"MULTI"})))
	assert.Equal(t, "+QUEUED\r\n", string(rig.handler.Dispatch(c, []string{"SET", "a", "1"})))
	assert.Equal(t, "+QUEUED\r\n", string(rig.handler.Dispatch(c, []string{"INCR", "a"})))
	assert.Equal(t, "*2\r\n+OK\r\n:2\r\n", string(rig.handler.Dispatch(c, []string{"EXEC"})))

	// Queue is gone afterwards.
	assert.Equal(t, "-EXEC without MULTI\r\n", string(rig.handler.Dispatch(c, []string{"EXEC"})))
}

func TestTransactionQueuedErrorKeepsPosition(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"SET", "k", "abc"})

	rig.handler.Dispatch(c, []string{"MULTI"})
	rig.handler.Dispatch(c, []string{"INCR", "k"})
	rig.handler.Dispatch(c, []string{"SET", "j", "1"})

	out := string(rig.handler.Dispatch(c, []string{"EXEC"}))
	assert.Equal(t, "*2\r\n-value is not an integer or out of range\r\n+OK\r\n", out)

	// The command after the failed one still executed.
	assert.Equal(t, "$1\r\n1\r\n", string(rig.handler.Dispatch(c, []string{"GET", "j"})))
}

func TestDiscard(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	assert.Equal(t, "-DISCARD without MULTI\r\n", string(rig.handler.Dispatch(c, []string{"DISCARD"})))

	rig.handler.Dispatch(c, []string{"MULTI"})
	rig.handler.Dispatch(c, []string{"SET", "a", "1"})
	assert.Equal(t, "+OK\r\n", string(rig.handler.Dispatch(c, []string{"DISCARD"})))

	assert.Equal(t, "$-1\r\n", string(rig.handler.Dispatch(c, []string{"GET", "a"})))
}

func TestTransactionIsPerConnection(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c1, _ := rig.client(1)
	c2, _ := rig.client(2)

	rig.handler.Dispatch(c1, []string{"MULTI"})
	rig.handler.Dispatch(c1, []string{"SET", "a", "1"})

	// The other connection executes immediately.
	assert.Equal(t, "+OK\r\n", string(rig.handler.Dispatch(c2, []string{"SET", "b", "2"})))
	assert.Equal(t, "$1\r\n2\r\n", string(rig.handler.Dispatch(c2, []string{"GET", "b"})))
}

func TestConfigGet(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	t.Setenv("MAXMEMORY", "100mb")

	out := string(rig.handler.Dispatch(c, []string{"CONFIG", "GET", "MAXMEMORY"}))
	assert.Equal(t, "*2\r\n$9\r\nMAXMEMORY\r\n$5\r\n100mb\r\n", out)

	out = string(rig.handler.Dispatch(c, []string{"CONFIG", "GET", "NO_SUCH_SETTING"}))
	assert.Equal(t, "*2\r\n$15\r\nNO_SUCH_SETTING\r\n$-1\r\n", out)
}

func TestInfoReplication(t *testing.T) {
	t.Run("master", func(t *testing.T) {
		rig := newTestRig(t, replication.RoleMaster)
		c, _ := rig.client(1)

		out := string(rig.handler.Dispatch(c, []string{"INFO", "replication"}))
		assert.Contains(t, out, "role:master")
		assert.Contains(t, out, "master_repl_offset:0")
		assert.Contains(t, out, fmt.Sprintf("master_replid:%s", rig.repl.ReplID()))
	})

	t.Run("replica", func(t *testing.T) {
		rig := newTestRig(t, replication.RoleReplica)
		c, _ := rig.client(1)

		out := string(rig.handler.Dispatch(c, []string{"INFO", "replication"}))
		assert.Contains(t, out, "role:slave")
		assert.NotContains(t, out, "master_repl_offset")
	})
}

func TestWaitShortCircuitsAtZeroOffset(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	start := time.Now()
	out := rig.dispatchFrame(t, c, "*3\r\n$4\r\nWAIT\r\n$1\r\n1\r\n$3\r\n100\r\n")
	assert.Equal(t, ":0\r\n", out)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPSyncRegistersReplica(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, buf := rig.client(7)

	reply := rig.handler.Dispatch(c, []string{"PSYNC", "?", "-1"})
	assert.Nil(t, reply)

	rdb := replication.EmptyRDB()
	want := fmt.Sprintf("+FULLRESYNC %s 0\r\n$%d\r\n%s", rig.repl.ReplID(), len(rdb), rdb)
	assert.Equal(t, want, buf.String())

	assert.Equal(t, 1, rig.repl.Registry().Count())
}

func TestReplConfSubcommands(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	c, _ := rig.client(1)

	out := string(rig.handler.Dispatch(c, []string{"REPLCONF", "listening-port", "6380"}))
	assert.Equal(t, "+OK\r\n", out)

	out = string(rig.handler.Dispatch(c, []string{"REPLCONF", "capa", "psync2"}))
	assert.Equal(t, "+OK\r\n", out)

	out = string(rig.handler.Dispatch(c, []string{"REPLCONF", "GETACK", "*"}))
	assert.Equal(t, "*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$1\r\n0\r\n", out)
}

func TestMasterPropagatesWritesAndWaitCountsAcks(t *testing.T) {
	rig := newTestRig(t, replication.RoleMaster)
	replicaConn, replicaBuf := rig.client(9)
	client, _ := rig.client(1)

	rig.handler.Dispatch(replicaConn, []string{"PSYNC", "?", "-1"})
	handshakeLen := replicaBuf.Len()

	out := string(rig.handler.Dispatch(client, []string{"SET", "foo", "bar"}))
	assert.Equal(t, "+OK\r\n", out)

	propagated := protocol.EncodeArray([]string{"SET", "foo", "bar"})
	assert.Equal(t, string(propagated), replicaBuf.String()[handshakeLen:])
	assert.Equal(t, int64(len(propagated)), rig.repl.Offset())

	// Replica acknowledges the write; WAIT sees it without waiting out the
	// timeout.
	rig.handler.Dispatch(replicaConn, []string{"REPLCONF", "ACK", fmt.Sprint(len(propagated))})

	out = string(rig.handler.Dispatch(client, []string{"WAIT", "1", "100"}))
	assert.Equal(t, ":1\r\n", out)
}

func TestReplicaDoesNotPropagate(t *testing.T) {
	rig := newTestRig(t, replication.RoleReplica)
	c, _ := rig.client(1)

	rig.handler.Dispatch(c, []string{"SET", "foo", "bar"})
	assert.Equal(t, int64(0), rig.repl.Offset())
}

func TestExecutePropagatedSkipsQueueing(t *testing.T) {
	rig := newTestRig(t, replication.RoleReplica)

	reply := rig.handler.ExecutePropagated([]string{"SET", "foo", "bar"})
	assert.Equal(t, "+OK\r\n", string(reply))

	c, _ := rig.client(1)
	assert.Equal(t, "$3\r\nbar\r\n", string(rig.handler.Dispatch(c, []string{"GET", "foo"})))
}
