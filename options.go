package docql

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docql/docql-go/internal/pseudotype"
)

// ConnectOpts is the configuration surface accepted by Connect, matching
// the protocol's connect-options table.
type ConnectOpts struct {
	Host    string
	Port    int
	DB      string
	AuthKey string
	Timeout time.Duration
	Backoff Backoff // optional; used only by Reconnect's retry loop

	// Logger receives the connection's diagnostics (read-loop termination,
	// unknown tokens, cancellation, undecodable frames, a failed noreply
	// wait before close) at Debug/Warn. The handshake and Reconnect log
	// nothing. Left nil, the connection logs to a discarding logger so
	// logging is never mandatory for callers.
	Logger logrus.FieldLogger
}

// defaultConnectOpts fills in the documented defaults: host localhost,
// port 28015, empty auth key, 20s timeout.
func defaultConnectOpts() ConnectOpts {
	return ConnectOpts{
		Host:    "localhost",
		Port:    28015,
		Timeout: 20 * time.Second,
	}
}

func (o ConnectOpts) withDefaults() ConnectOpts {
	d := defaultConnectOpts()
	if o.Host != "" {
		d.Host = o.Host
	}
	if o.Port != 0 {
		d.Port = o.Port
	}
	if o.Timeout != 0 {
		d.Timeout = o.Timeout
	}
	d.DB = o.DB
	d.AuthKey = o.AuthKey
	d.Backoff = o.Backoff
	d.Logger = o.Logger
	return d
}

// QueryOpts are the run options consumed by Start: the pseudo-type
// converter's format selections plus the noreply flag.
type QueryOpts struct {
	TimeFormat     pseudotype.Format
	GroupFormat    pseudotype.Format
	BinaryFormat   pseudotype.Format
	NoReply        bool
	GlobalOptargs  map[string]any
}

func (o QueryOpts) convertOpts() pseudotype.Opts {
	opts := pseudotype.DefaultOpts()
	if o.TimeFormat != "" {
		opts.TimeFormat = o.TimeFormat
	}
	if o.GroupFormat != "" {
		opts.GroupFormat = o.GroupFormat
	}
	if o.BinaryFormat != "" {
		opts.BinaryFormat = o.BinaryFormat
	}
	return opts
}

// CloseOpts configures Connection.Close.
type CloseOpts struct {
	// NoReplyWait, when true, waits for all outstanding noreply-ineligible
	// queries to finish (via NoReplyWait) before shutting the socket down.
	NoReplyWait bool
}

// ReconnectOpts configures Connection.Reconnect.
type ReconnectOpts struct {
	NoReplyWait bool
}
