package docql

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/docql/docql-go/internal/pseudotype"
	"github.com/docql/docql-go/internal/wire"
	"github.com/docql/docql-go/term"
)

// fakeServer is the server half of a net.Pipe() pair: it completes the
// handshake and then lets the test script responses frame by frame.
type fakeServer struct {
	conn net.Conn
	fr   *wire.FrameReader
}

func acceptHandshake(t *testing.T, conn net.Conn, status string) *fakeServer {
	t.Helper()
	buf4 := make([]byte, 4)
	_, err := io.ReadFull(conn, buf4) // version magic
	require.NoError(t, err)
	_, err = io.ReadFull(conn, buf4) // auth key length
	require.NoError(t, err)
	n := wire.Unpack(buf4)
	if n > 0 {
		key := make([]byte, n)
		_, err = io.ReadFull(conn, key)
		require.NoError(t, err)
	}
	_, err = io.ReadFull(conn, buf4) // wire-format magic
	require.NoError(t, err)
	_, err = conn.Write(append([]byte(status), 0x00))
	require.NoError(t, err)
	// net.Pipe has no internal buffering: a client Write blocks until this
	// side reads it. Pump inbound bytes from a goroutine so a frame write
	// in Start returns before the test gets around to reading the frame.
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, conn)
		_ = pw.CloseWithError(err)
	}()
	return &fakeServer{conn: conn, fr: wire.NewFrameReader(pr)}
}

func (s *fakeServer) readQuery(t *testing.T) (uint64, []any) {
	t.Helper()
	token, payload, err := s.fr.ReadFrame()
	require.NoError(t, err)
	var q []any
	require.NoError(t, json.Unmarshal(payload, &q))
	return token, q
}

func (s *fakeServer) send(t *testing.T, token uint64, resp wire.Response) {
	t.Helper()
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(s.conn, token, payload))
}

func newTestConnection(t *testing.T, status string) (*Connection, *fakeServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	srvCh := make(chan *fakeServer, 1)
	go func() { srvCh <- acceptHandshake(t, serverSide, status) }()

	conn, err := connectOverConn(context.Background(), clientSide, ConnectOpts{Timeout: 5 * time.Second})
	require.NoError(t, err)
	srv := <-srvCh
	t.Cleanup(func() { _ = conn.Close(context.Background(), CloseOpts{}) })
	return conn, srv
}

func TestConnectionBooleanAtom(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{67, []any{true, false}}}, QueryOpts{})
	require.NoError(t, err)

	token, query := srv.readQuery(t)
	require.EqualValues(t, wire.QueryStart, query[0])
	srv.send(t, token, wire.Response{Type: wire.SuccessAtom, Results: []any{true}})

	row, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, true, row)

	_, err = cur.Next(context.Background())
	require.Error(t, err)
}

func TestConnectionStartInjectsNoReplyOptarg(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{1, []any{}}}, QueryOpts{
		NoReply:      true,
		TimeFormat:   pseudotype.FormatRaw,
		GroupFormat:  pseudotype.FormatRaw,
		BinaryFormat: pseudotype.FormatRaw,
	})
	require.NoError(t, err)
	require.Nil(t, cur)

	_, query := srv.readQuery(t)
	require.Len(t, query, 3)
	globalOptargs, ok := query[2].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, globalOptargs["noreply"])
	require.Equal(t, "raw", globalOptargs["time_format"])
	require.Equal(t, "raw", globalOptargs["group_format"])
	require.Equal(t, "raw", globalOptargs["binary_format"])
}

func TestConnectionMultiBatchSequence(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{15, []any{}}}, QueryOpts{})
	require.NoError(t, err)

	token, _ := srv.readQuery(t)
	srv.send(t, token, wire.Response{Type: wire.SuccessPartial, Results: []any{1.0, 2.0}})

	row, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1.0, row)
	row, err = cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2.0, row)

	// The queue is now empty: the third Next call issues a CONTINUE and
	// blocks until the next batch arrives, so run it concurrently.
	type result struct {
		row any
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		row, err := cur.Next(context.Background())
		resultCh <- result{row, err}
	}()

	contToken, contQuery := srv.readQuery(t)
	require.Equal(t, token, contToken)
	require.EqualValues(t, wire.QueryContinue, contQuery[0])
	srv.send(t, token, wire.Response{Type: wire.SuccessSequence, Results: []any{3.0}})

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, 3.0, res.row)

	_, err = cur.Next(context.Background())
	require.Error(t, err)
}

func TestConnectionPseudoTypeTime(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{2, []any{}}}, QueryOpts{})
	require.NoError(t, err)

	token, _ := srv.readQuery(t)
	timeVal := map[string]any{
		"$reql_type$": "TIME",
		"epoch_time":  1620000000.5,
		"timezone":    "+00:00",
	}
	srv.send(t, token, wire.Response{Type: wire.SuccessAtom, Results: []any{timeVal}})

	row, err := cur.Next(context.Background())
	require.NoError(t, err)
	got, ok := row.(pseudotype.Time)
	require.True(t, ok)
	require.Equal(t, int64(1620000000500), got.EpochMillis)
}

func TestConnectionHandshakeRejected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go func() { acceptHandshake(t, serverSide, "ERROR: bad key") }()

	_, err := connectOverConn(context.Background(), clientSide, ConnectOpts{Timeout: 5 * time.Second})
	require.Error(t, err)
	require.Contains(t, err.Error(), "'ERROR: bad key'")
}

func TestConnectionFeedForbidsToArray(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{155, []any{}}}, QueryOpts{})
	require.NoError(t, err)

	token, _ := srv.readQuery(t)
	srv.send(t, token, wire.Response{Type: wire.SuccessFeed, Results: []any{1.0}})

	_, err = cur.ToArray(context.Background())
	require.Error(t, err)
	require.Equal(t, "`to_array` is not available for feeds.", err.Error())
}

func TestConnectionCloseWithNoReplyWait(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	srvCh := make(chan *fakeServer, 1)
	go func() { srvCh <- acceptHandshake(t, serverSide, wire.StatusSuccess) }()

	conn, err := connectOverConn(context.Background(), clientSide, ConnectOpts{Timeout: 5 * time.Second})
	require.NoError(t, err)
	srv := <-srvCh

	closeErr := make(chan error, 1)
	go func() { closeErr <- conn.Close(context.Background(), CloseOpts{NoReplyWait: true}) }()

	token, query := srv.readQuery(t)
	require.EqualValues(t, wire.QueryNoReplyWait, query[0])
	srv.send(t, token, wire.Response{Type: wire.WaitComplete})

	require.NoError(t, <-closeErr)
	require.False(t, conn.IsOpen())
}

func TestConnectionUnknownTokenFailsConnection(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{1, []any{}}}, QueryOpts{})
	require.NoError(t, err)

	// A response for a token nobody registered is a protocol violation: the
	// whole connection fails, not just the unmatched response.
	srv.send(t, cur.Token()+999, wire.Response{Type: wire.SuccessAtom, Results: []any{true}})

	_, err = cur.Next(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unexpected token")

	require.Eventually(t, func() bool { return !conn.IsOpen() }, time.Second, time.Millisecond)
}

func TestConnectionLoggerOptionIsWired(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	clientSide, serverSide := net.Pipe()
	srvCh := make(chan *fakeServer, 1)
	go func() { srvCh <- acceptHandshake(t, serverSide, wire.StatusSuccess) }()

	conn, err := connectOverConn(context.Background(), clientSide, ConnectOpts{Timeout: 5 * time.Second, Logger: logger})
	require.NoError(t, err)
	<-srvCh

	conn.Cancel()
	require.Eventually(t, func() bool { return buf.Len() > 0 }, time.Second, time.Millisecond)
	require.Contains(t, buf.String(), "connection cancelled")
}

func TestConnectionServerReturnsIdentity(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	resultCh := make(chan struct {
		info ServerInfo
		err  error
	}, 1)
	go func() {
		info, err := conn.Server(context.Background())
		resultCh <- struct {
			info ServerInfo
			err  error
		}{info, err}
	}()

	token, query := srv.readQuery(t)
	require.EqualValues(t, wire.QueryServerInfo, query[0])
	srv.send(t, token, wire.Response{Type: wire.SuccessAtom, Results: []any{
		map[string]any{"id": "abc-123", "name": "node1"},
	}})

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, ServerInfo{ID: "abc-123", Name: "node1"}, res.info)
}

func TestConnectionSetTimeoutFailsIdleRead(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)
	conn.SetTimeout(20 * time.Millisecond)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{1, []any{}}}, QueryOpts{})
	require.NoError(t, err)

	// Read the START frame, then never reply: the idle read deadline should
	// trip and fail the connection.
	srv.readQuery(t)

	_, err = cur.Next(context.Background())
	require.Error(t, err)
	require.Eventually(t, func() bool { return !conn.IsOpen() }, time.Second, time.Millisecond)
}

func TestConnectionRuntimeErrorSticky(t *testing.T) {
	conn, srv := newTestConnection(t, wire.StatusSuccess)

	cur, err := conn.Start(context.Background(), term.Raw{Value: []any{1, []any{}}}, QueryOpts{})
	require.NoError(t, err)

	token, _ := srv.readQuery(t)
	srv.send(t, token, wire.Response{Type: wire.RuntimeError, Results: []any{"division by zero"}})

	_, err1 := cur.Next(context.Background())
	require.Error(t, err1)
	_, err2 := cur.Next(context.Background())
	require.Error(t, err2)
	require.Equal(t, err1.Error(), err2.Error())
}
