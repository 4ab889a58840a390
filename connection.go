// Package docql implements the connection engine and cursor multiplexer
// for a framed, token-multiplexed JSON-over-TCP query protocol: handshake,
// per-query token allocation, response demultiplexing, and pseudo-type
// translation. Query expression construction, the error taxonomy's exact
// shape beyond the four structural kinds, and connection pooling are out
// of scope; see term.Term for the builder contract and internal/rqlerr for
// the error kinds.
package docql

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/docql/docql-go/cursor"
	"github.com/docql/docql-go/internal/pseudotype"
	"github.com/docql/docql-go/internal/rqlerr"
	"github.com/docql/docql-go/internal/wire"
	"github.com/docql/docql-go/term"
)

// connState is the connection lifecycle: INIT -> HANDSHAKING -> OPEN ->
// CLOSING -> CLOSED. Only OPEN permits query submission.
type connState int32

const (
	stateInit connState = iota
	stateHandshaking
	stateOpen
	stateClosing
	stateClosed
)

// pendingQuery is the registry entry owned by Connection for each live
// token: the root term (for error construction), the run options, and the
// cursor that owns the token's batch queue.
type pendingQuery struct {
	term   any
	opts   QueryOpts
	cursor *cursor.Cursor
}

// Connection is a single long-lived TCP connection to the server: one
// socket, one reader goroutine, a token registry, and the handshake state
// that got it there. It implements cursor.Continuer so cursors can request
// CONTINUE/STOP without holding a strong reference back to the Connection
// itself — the registry (here) owns the Cursor, and the Cursor only knows
// its token and this interface.
type Connection struct {
	id string

	host    string
	port    int
	authKey string
	timeout time.Duration
	backoff Backoff

	log logrus.FieldLogger

	mu          sync.Mutex
	state       connState
	conn        net.Conn
	fr          *wire.FrameReader
	db          string
	readTimeout time.Duration

	writeMu sync.Mutex

	nextToken atomic.Uint64

	regMu    sync.Mutex
	registry map[uint64]*pendingQuery

	closed chan struct{}
	wg     sync.WaitGroup
}

// handshakeRejected carries the server's exact status string when the
// handshake completes but is refused, distinguishing it from a socket-level
// failure so the two produce distinct error messages.
type handshakeRejected struct{ status string }

func (e *handshakeRejected) Error() string { return fmt.Sprintf("handshake rejected: %s", e.status) }

// newConnection dials, performs the handshake, and — on success — starts
// the read loop and returns an OPEN Connection. On any failure it returns
// a nil Connection and the appropriate DriverError. A successful handshake
// always leaves the connection OPEN for callers to use; it is never closed
// immediately afterward.
func newConnection(ctx context.Context, opts ConnectOpts) (*Connection, error) {
	opts = opts.withDefaults()

	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr(opts))
	if err != nil {
		return nil, rqlerr.NewDriverError("Could not connect to %s:%d. %s", opts.Host, opts.Port, err)
	}

	br, err := handshakeOverConn(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return assembleConnection(conn, br, opts), nil
}

// assembleConnection wires a post-handshake socket into an OPEN Connection
// and starts its read loop. Split out from newConnection so the in-package
// connection tests can drive the handshake over a net.Pipe() without a real
// dial.
func assembleConnection(conn net.Conn, br *bufio.Reader, opts ConnectOpts) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		host:     opts.Host,
		port:     opts.Port,
		authKey:  opts.AuthKey,
		timeout:  opts.Timeout,
		backoff:  opts.Backoff,
		db:       opts.DB,
		state:    stateOpen,
		conn:     conn,
		fr:       wire.NewFrameReaderFromBufio(br),
		registry: make(map[uint64]*pendingQuery),
		closed:   make(chan struct{}),
	}
	base := opts.Logger
	if base == nil {
		base = discardLogger()
	}
	c.log = base.WithFields(logrus.Fields{"conn_id": c.id[:8], "addr": addr(opts)})
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// connectOverConn performs the handshake on an already-established conn
// and assembles a Connection around it, bypassing net.Dial. Used by this
// package's own tests against net.Pipe(); not exported.
func connectOverConn(ctx context.Context, conn net.Conn, opts ConnectOpts) (*Connection, error) {
	opts = opts.withDefaults()
	br, err := handshakeOverConn(ctx, conn, opts)
	if err != nil {
		return nil, err
	}
	return assembleConnection(conn, br, opts), nil
}

func addr(opts ConnectOpts) string { return fmt.Sprintf("%s:%d", opts.Host, opts.Port) }

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// handshakeOverConn runs the write-handshake/read-status exchange on an
// already-established conn as a single unit of work: the blocking
// write/read pair runs in one errgroup goroutine whose error Wait
// collects. The exchange is bounded by a socket deadline of opts.Timeout,
// cleared again on success; ctx is not watched while it runs, so
// cancelling ctx does not interrupt a handshake in progress.
func handshakeOverConn(ctx context.Context, conn net.Conn, opts ConnectOpts) (*bufio.Reader, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	var br *bufio.Reader

	g.Go(func() error {
		if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
			return err
		}
		if err := wire.WriteHandshake(conn, opts.AuthKey); err != nil {
			return err
		}
		reader := bufio.NewReader(conn)
		status, err := wire.ReadHandshakeStatus(reader)
		if err != nil {
			return err
		}
		if status != wire.StatusSuccess {
			return &handshakeRejected{status: status}
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return err
		}
		br = reader
		return nil
	})

	if err := g.Wait(); err != nil {
		var rejected *handshakeRejected
		if errors.As(err, &rejected) {
			return nil, rqlerr.NewDriverError("Server dropped connection with message: '%s'", rejected.status)
		}
		return nil, rqlerr.NewDriverError("Could not connect to %s:%d. %s", opts.Host, opts.Port, err)
	}
	return br, nil
}

// IsOpen reports whether the connection currently accepts new queries.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Use sets the default database injected into subsequent Start calls'
// global optargs. It does not affect queries already in flight.
func (c *Connection) Use(db string) {
	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
}

// SetTimeout adjusts the idle read deadline applied to the connection's
// socket: if no frame arrives within d of the last one (or of this call),
// the read loop fails the connection exactly as a socket error would. A
// zero d clears the deadline, returning to blocking indefinitely. This is
// independent of ConnectOpts.Timeout, which only bounds the
// dial-and-handshake sequence at construction and is not revisited here.
func (c *Connection) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// refreshReadDeadline extends the socket's read deadline by the configured
// readTimeout after every successfully read frame, so the timeout is a
// sliding idle window rather than a deadline on the connection's whole
// lifetime.
func (c *Connection) refreshReadDeadline() {
	c.mu.Lock()
	d := c.readTimeout
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || d <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(d))
}

// ServerInfo is the identity a server returns from a SERVER_INFO round
// trip, the payload of Connection.Server.
type ServerInfo struct {
	ID   string
	Name string
}

// Server performs a SERVER_INFO round trip and returns the identity of
// whichever server answered. It is a zero-argument query like NoReplyWait,
// useful as a liveness check independent of any real query.
func (c *Connection) Server(ctx context.Context) (ServerInfo, error) {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return ServerInfo{}, rqlerr.NewDriverError("connection is closed")
	}
	c.mu.Unlock()

	token := c.nextToken.Add(1)
	payload, err := wire.EncodeServerInfo()
	if err != nil {
		return ServerInfo{}, rqlerr.NewDriverError("failed to encode SERVER_INFO: %s", err)
	}

	cur := cursor.New(token, c, nil, pseudotype.DefaultOpts())
	c.register(token, &pendingQuery{cursor: cur})

	if err := c.writeFrame(token, payload); err != nil {
		c.unregister(token)
		return ServerInfo{}, err
	}

	row, err := cur.Next(ctx)
	if err != nil {
		return ServerInfo{}, err
	}
	info, ok := row.(map[string]any)
	if !ok {
		return ServerInfo{}, rqlerr.NewDriverError("unexpected SERVER_INFO response shape")
	}
	var out ServerInfo
	if id, ok := info["id"].(string); ok {
		out.ID = id
	}
	if name, ok := info["name"].(string); ok {
		out.Name = name
	}
	return out, nil
}

// Start submits a query built from t and registers a fresh cursor for it.
// If opts.NoReply is set, `noreply` is injected into the START frame's
// global_optargs so the server itself knows not to send a response, and
// the registry entry is dropped immediately after the frame is written;
// Start returns a nil cursor. Omitting the optarg while still dropping the
// registry entry locally would leave the server replying to a token
// nobody is listening for, which dispatch treats as a protocol violation
// and fails the whole connection over.
func (c *Connection) Start(ctx context.Context, t term.Term, opts QueryOpts) (*cursor.Cursor, error) {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return nil, rqlerr.NewDriverError("connection is closed")
	}
	db := c.db
	c.mu.Unlock()

	termJSON, err := t.Build()
	if err != nil {
		return nil, rqlerr.NewDriverError("failed to build term: %s", err)
	}

	token := c.nextToken.Add(1)

	globalOptargs := make(map[string]any, len(opts.GlobalOptargs)+5)
	for k, v := range opts.GlobalOptargs {
		globalOptargs[k] = v
	}
	if db != "" {
		globalOptargs["db"] = wire.DBTerm(db)
	}
	if opts.NoReply {
		globalOptargs["noreply"] = true
	}
	if opts.TimeFormat != "" {
		globalOptargs["time_format"] = string(opts.TimeFormat)
	}
	if opts.GroupFormat != "" {
		globalOptargs["group_format"] = string(opts.GroupFormat)
	}
	if opts.BinaryFormat != "" {
		globalOptargs["binary_format"] = string(opts.BinaryFormat)
	}

	payload, err := wire.EncodeStart(termJSON, globalOptargs)
	if err != nil {
		return nil, rqlerr.NewDriverError("failed to encode query: %s", err)
	}

	cur := cursor.New(token, c, termJSON, opts.convertOpts())
	c.register(token, &pendingQuery{term: termJSON, opts: opts, cursor: cur})

	if err := c.writeFrame(token, payload); err != nil {
		c.unregister(token)
		return nil, err
	}

	if opts.NoReply {
		c.unregister(token)
		return nil, nil
	}
	return cur, nil
}

// ContinueQuery writes a CONTINUE frame for token. It satisfies
// cursor.Continuer.
func (c *Connection) ContinueQuery(token uint64) error {
	payload, err := wire.EncodeContinue()
	if err != nil {
		return rqlerr.NewDriverError("failed to encode CONTINUE: %s", err)
	}
	return c.writeFrame(token, payload)
}

// EndQuery writes a STOP frame for token. It satisfies cursor.Continuer.
func (c *Connection) EndQuery(token uint64) error {
	payload, err := wire.EncodeStop()
	if err != nil {
		return rqlerr.NewDriverError("failed to encode STOP: %s", err)
	}
	return c.writeFrame(token, payload)
}

// NoReplyWait blocks until the server confirms every previously-submitted
// query has completed. It registers a fresh cursor, writes NOREPLY_WAIT,
// and waits for that cursor's single WAIT_COMPLETE signal.
func (c *Connection) NoReplyWait(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != stateOpen && state != stateClosing {
		return rqlerr.NewDriverError("connection is closed")
	}

	token := c.nextToken.Add(1)
	cur := cursor.New(token, c, nil, pseudotype.DefaultOpts())
	c.register(token, &pendingQuery{cursor: cur})

	payload, err := wire.EncodeNoReplyWait()
	if err != nil {
		c.unregister(token)
		return rqlerr.NewDriverError("failed to encode NOREPLY_WAIT: %s", err)
	}
	if err := c.writeFrame(token, payload); err != nil {
		c.unregister(token)
		return err
	}

	_, err = cur.Next(ctx)
	return err
}

// Close shuts the connection down. If opts.NoReplyWait is set and the
// connection is still open, it first waits for outstanding queries to
// complete (via NoReplyWait) before closing the socket. Re-entering Close
// on an already-closed connection is a no-op.
func (c *Connection) Close(ctx context.Context, opts CloseOpts) error {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateClosing {
		c.mu.Unlock()
		return nil
	}
	if opts.NoReplyWait && c.state == stateOpen {
		c.state = stateClosing
		c.mu.Unlock()
		if err := c.NoReplyWait(ctx); err != nil {
			c.log.WithError(err).Debug("noreply_wait before close failed")
		}
		c.mu.Lock()
	}
	c.state = stateClosed
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	close(c.closed)
	c.failRegistry(rqlerr.NewDriverError("connection is closed"))
	c.wg.Wait()
	return err
}

// Cancel hard-aborts the connection: it destroys the socket and clears the
// registry without waiting for any outstanding query to settle. Any
// callback or cursor currently blocked in Next is abandoned with a fatal
// error.
func (c *Connection) Cancel() {
	c.fail(rqlerr.NewDriverError("connection was cancelled"), "connection cancelled")
}

// Reconnect closes the current socket, then dials a fresh Connection
// reusing host, port, db, auth key, and timeout. If opts.NoReplyWait is
// set, outstanding queries are drained before the old socket closes.
//
// If a Backoff was configured on the original Connect call, a dial or
// handshake failure is retried rather than returned immediately: Reconnect
// sleeps for Backoff.Next() and tries again, until either a connection
// succeeds or ctx is done. Backoff.Reset is called once a retry finally
// succeeds, so the next unrelated Reconnect starts from the base delay
// instead of an escalated one. Without a configured Backoff, Reconnect
// makes exactly one attempt, as before.
func (c *Connection) Reconnect(ctx context.Context, opts ReconnectOpts) (*Connection, error) {
	c.mu.Lock()
	host, port, db, authKey, timeout, backoff := c.host, c.port, c.db, c.authKey, c.timeout, c.backoff
	c.mu.Unlock()

	if err := c.Close(ctx, CloseOpts{NoReplyWait: opts.NoReplyWait}); err != nil {
		return nil, err
	}

	connectOpts := ConnectOpts{Host: host, Port: port, DB: db, AuthKey: authKey, Timeout: timeout, Backoff: backoff}
	dial := func() (*Connection, error) { return newConnection(ctx, connectOpts) }
	if backoff == nil {
		return dial()
	}
	return reconnectWithBackoff(ctx, backoff, dial)
}

// reconnectWithBackoff calls dial until it succeeds, sleeping for
// backoff.Next() between failures, until ctx is done. Factored out of
// Reconnect as a plain function of a dial closure so the retry policy can
// be exercised directly against a fake dial function in tests, without a
// real socket. backoff is reset once a retry after at least one failure
// finally succeeds.
func reconnectWithBackoff(ctx context.Context, backoff Backoff, dial func() (*Connection, error)) (*Connection, error) {
	var retrying bool
	for {
		conn, err := dial()
		if err == nil {
			if retrying {
				backoff.Reset()
			}
			return conn, nil
		}
		retrying = true
		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return nil, err
		}
	}
}

func (c *Connection) register(token uint64, entry *pendingQuery) {
	c.regMu.Lock()
	c.registry[token] = entry
	c.regMu.Unlock()
}

func (c *Connection) unregister(token uint64) {
	c.regMu.Lock()
	delete(c.registry, token)
	c.regMu.Unlock()
}

func (c *Connection) lookup(token uint64) *pendingQuery {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.registry[token]
}

func (c *Connection) failRegistry(err error) {
	c.regMu.Lock()
	entries := c.registry
	c.registry = make(map[uint64]*pendingQuery)
	c.regMu.Unlock()
	for _, e := range entries {
		e.cursor.Fail(err)
	}
}

// writeFrame serializes one request frame. Start, ContinueQuery, and
// EndQuery are each callable from separate goroutines driving separate
// cursors, so the actual wire.WriteFrame call is held under writeMu: two
// interleaved writes would corrupt the token+length+JSON framing for both
// queries. writeMu only ever runs concurrently with the read loop, which
// only ever reads; no additional locking is required for the socket
// itself.
func (c *Connection) writeFrame(token uint64, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != stateOpen && state != stateClosing {
		return rqlerr.NewDriverError("connection is closed")
	}
	if conn == nil {
		return rqlerr.NewDriverError("connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(conn, token, payload); err != nil {
		return rqlerr.NewDriverError("connection returned: %s", err)
	}
	return nil
}

// readLoop is the connection's single reader: it owns the socket for
// reads, decodes frames, and dispatches each to the registered cursor.
// Exactly one instance runs per Connection for its whole lifetime. It
// returns as soon as either the socket fails or dispatch reports a fatal
// protocol violation.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		token, body, err := c.fr.ReadFrame()
		if err != nil {
			c.onReadError(err)
			return
		}
		c.refreshReadDeadline()
		var resp wire.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			c.log.WithError(err).Warn("failed to decode response frame")
			continue
		}
		if !c.dispatch(token, &resp) {
			return
		}
	}
}

// dispatch routes resp to its registered cursor. A response for a token
// with no registry entry is a protocol violation, not an ignorable event:
// it means the server and this connection have diverged on what's in
// flight, so dispatch fails the connection exactly as a read error would
// and reports false to tell readLoop to stop.
func (c *Connection) dispatch(token uint64, resp *wire.Response) bool {
	entry := c.lookup(token)
	if entry == nil {
		c.fail(rqlerr.NewDriverError("Unexpected token %d.", token), "dispatch received unknown token")
		return false
	}
	entry.cursor.AddResponse(resp)
	if entry.cursor.Ended() && !entry.cursor.ContinueOutstanding() {
		c.unregister(token)
	}
	return true
}

// onReadError fails the connection because the socket itself returned err.
func (c *Connection) onReadError(err error) {
	c.fail(rqlerr.NewDriverError("connection returned: %s", err), "read loop exiting")
}

// fail transitions the connection to CLOSED, closes the socket, and
// surfaces err on every cursor currently registered. Idempotent: a second
// call after the connection is already CLOSED is a no-op, so onReadError
// and dispatch can both call it without coordinating.
func (c *Connection) fail(err error, logMsg string) {
	c.mu.Lock()
	already := c.state == stateClosed
	c.state = stateClosed
	conn := c.conn
	c.mu.Unlock()
	if already {
		return
	}
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.log.WithError(err).Debug(logMsg)
	c.failRegistry(err)
}
