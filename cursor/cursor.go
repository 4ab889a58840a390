// Package cursor implements the per-token streaming iterator over batched
// query responses described by the protocol: a FIFO of unconsumed
// response batches, CONTINUE coordination, and error stickiness.
package cursor

import (
	"context"
	"sync"

	"github.com/docql/docql-go/internal/pseudotype"
	"github.com/docql/docql-go/internal/rqlerr"
	"github.com/docql/docql-go/internal/wire"
)

// Continuer is the cursor's narrow view of its owning connection: just
// enough to request more batches or abort the query. The registry (the
// Connection) owns the Cursor; the Cursor holds only this back-reference
// and its token, breaking the natural cyclic reference between the two.
type Continuer interface {
	ContinueQuery(token uint64) error
	EndQuery(token uint64) error
}

// Cursor is a per-token streaming iterator. It is safe for concurrent use;
// Next blocks cooperatively rather than busy-polling.
type Cursor struct {
	token     uint64
	continuer Continuer
	term      any
	opts      pseudotype.Opts

	mu            sync.Mutex
	typ           wire.ResponseType
	typeKnown     bool
	queue         []*wire.Response
	responseIndex int
	endFlag       bool
	contFlag      bool
	fatal         error // set by Fail; surfaces on every subsequent Next
	notify        chan struct{}
}

// New constructs a Cursor for token, backed by continuer for CONTINUE/STOP
// requests. contFlag starts true: the caller is expected to construct a
// Cursor exactly when it has just sent the START (or NOREPLY_WAIT) frame
// for this token, so a CONTINUE is already implicitly outstanding.
func New(token uint64, continuer Continuer, term any, opts pseudotype.Opts) *Cursor {
	return &Cursor{
		token:     token,
		continuer: continuer,
		term:      term,
		opts:      opts,
		contFlag:  true,
		notify:    make(chan struct{}),
	}
}

// Token returns the cursor's wire token.
func (c *Cursor) Token() uint64 { return c.token }

// Type reports the first observed response kind for this cursor. Valid
// only after at least one AddResponse call.
func (c *Cursor) Type() wire.ResponseType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typ
}

// wake broadcasts to every goroutine blocked in Next by closing the current
// notify channel and installing a fresh one. Must be called with mu held.
func (c *Cursor) wake() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// AddResponse records a response frame that arrived for this cursor's
// token. It is called from the connection's single read loop, never
// concurrently with itself.
func (c *Cursor) AddResponse(resp *wire.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.typeKnown {
		c.typ = resp.Type
		c.typeKnown = true
	}
	if len(resp.Results) > 0 || resp.Type == wire.WaitComplete {
		c.queue = append(c.queue, resp)
	}
	if !resp.Type.IsStreaming() {
		c.endFlag = true
	}
	c.contFlag = false
	c.wake()
}

// Fail marks the cursor as fatally terminated by a connection-level error
// (a socket read failure, or connection.Cancel). Every subsequent Next
// returns err.
func (c *Cursor) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.endFlag = true
	c.contFlag = false
	c.wake()
}

// Ended reports whether a terminal response (or fatal error) has been
// observed, i.e. whether no further batches will ever be enqueued.
func (c *Cursor) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endFlag
}

// ContinueOutstanding reports whether a CONTINUE (or the initial START) is
// still in flight for this token.
func (c *Cursor) ContinueOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contFlag
}

// Next delivers the next row, the WAIT_COMPLETE completion signal
// ((nil, nil)), or an error. When the queue is empty and the cursor has not
// ended, it issues at most one outstanding CONTINUE and blocks for the next
// frame, honoring ctx cancellation.
//
// (nil, nil) is ambiguous between WAIT_COMPLETE and a genuine row whose
// converted value is nil; ToArray, which must tell the two apart, uses
// nextRow instead. Each calls Next and shares the ambiguity.
func (c *Cursor) Next(ctx context.Context) (any, error) {
	row, _, err := c.nextRow(ctx)
	return row, err
}

// nextRow is Next's implementation, additionally reporting isRow: true when
// row is a genuine data value taken from a SUCCESS_* batch, false for the
// WAIT_COMPLETE signal or an error, both of which also return row == nil.
func (c *Cursor) nextRow(ctx context.Context) (row any, isRow bool, err error) {
	for {
		c.mu.Lock()
		if c.fatal != nil && len(c.queue) == 0 {
			err := c.fatal
			c.mu.Unlock()
			return nil, false, err
		}
		if len(c.queue) > 0 {
			resp := c.queue[0]
			row, isRow, err := c.takeLocked(resp)
			c.mu.Unlock()
			return row, isRow, err
		}
		if c.endFlag {
			c.mu.Unlock()
			return nil, false, rqlerr.ErrNoMoreRows
		}
		needCont := !c.contFlag
		if needCont {
			c.contFlag = true
		}
		ch := c.notify
		c.mu.Unlock()

		if needCont {
			if err := c.continuer.ContinueQuery(c.token); err != nil {
				c.mu.Lock()
				c.contFlag = false
				c.mu.Unlock()
				return nil, false, err
			}
		}

		select {
		case <-ch:
			// loop and re-check the queue
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// takeLocked consumes one element from the head batch resp, advancing or
// popping the batch as needed. Must be called with mu held. isRow is true
// only when row was taken from a SUCCESS_* batch; WAIT_COMPLETE and server
// errors report isRow == false so they are never mistaken for a data row
// whose converted value happens to be nil.
func (c *Cursor) takeLocked(resp *wire.Response) (row any, isRow bool, err error) {
	switch {
	case resp.Type == wire.WaitComplete:
		c.popLocked()
		return nil, false, nil
	case resp.Type.IsError():
		// Error responses stay at the head of the queue: every subsequent
		// Next call surfaces the same error again rather than falling
		// through to the drained-cursor sentinel.
		msg, _ := resp.Results[0].(string)
		switch resp.Type {
		case wire.CompileError:
			return nil, false, rqlerr.NewCompileError(c.term, resp.Backtrace, msg)
		case wire.ClientError:
			return nil, false, rqlerr.NewClientError(c.term, resp.Backtrace, msg)
		default:
			return nil, false, rqlerr.NewRuntimeError(c.term, resp.Backtrace, msg)
		}
	case resp.Type == wire.SuccessAtom || resp.Type == wire.SuccessSequence ||
		resp.Type == wire.SuccessPartial || resp.Type == wire.SuccessFeed:
		raw := resp.Results[c.responseIndex]
		c.responseIndex++
		if c.responseIndex >= len(resp.Results) {
			c.popLocked()
		}
		converted, cErr := pseudotype.Convert(raw, c.opts)
		if cErr != nil {
			return nil, false, cErr
		}
		return converted, true, nil
	default:
		c.popLocked()
		return nil, false, rqlerr.NewDriverError("Unknown response type %s", resp.Type)
	}
}

// popLocked drops the head batch and resets responseIndex. Must be called
// with mu held.
func (c *Cursor) popLocked() {
	c.queue = c.queue[1:]
	c.responseIndex = 0
}

// RowFunc receives each row in order, or a non-sentinel error if the
// cursor terminated abnormally.
type RowFunc func(row any, err error)

// Each repeatedly calls Next, delivering rows to onRow. On normal
// termination (the drained-cursor sentinel) it calls onDone instead of
// onRow. Any other error is delivered to onRow and ends iteration.
func (c *Cursor) Each(ctx context.Context, onRow RowFunc, onDone func()) {
	for {
		row, err := c.Next(ctx)
		if err != nil {
			if rqlerr.IsNoMoreRows(err) {
				if onDone != nil {
					onDone()
				}
				return
			}
			onRow(nil, err)
			return
		}
		onRow(row, nil)
	}
}

// ToArray drains the cursor into a slice, in the exact concatenation order
// of the batches' result arrays. It is forbidden on feeds, which are
// unbounded. It uses nextRow rather than Next/Each so that a genuine row
// whose converted value is nil is appended like any other row, instead of
// being mistaken for the WAIT_COMPLETE completion signal and dropped.
func (c *Cursor) ToArray(ctx context.Context) ([]any, error) {
	var rows []any
	for {
		// Checked before every row, not just once: the first response (and
		// with it the cursor's type) may not have arrived when ToArray starts.
		if c.Type() == wire.SuccessFeed {
			return nil, rqlerr.NewDriverError("`to_array` is not available for feeds.")
		}
		row, isRow, err := c.nextRow(ctx)
		if err != nil {
			if rqlerr.IsNoMoreRows(err) {
				return rows, nil
			}
			return nil, err
		}
		if isRow {
			rows = append(rows, row)
		}
	}
}

// Close ends the query if it has not already terminated, sending STOP for
// the token.
func (c *Cursor) Close(_ context.Context) error {
	if c.Ended() {
		return nil
	}
	return c.continuer.EndQuery(c.token)
}
