package docql

import (
	"context"

	"github.com/docql/docql-go/internal/config"
)

// Connect dials a new Connection using opts, performing the handshake
// before returning. Fields left at their zero value fall back to the
// documented defaults (localhost:28015, no auth key, 20s timeout).
func Connect(ctx context.Context, opts ConnectOpts) (*Connection, error) {
	return newConnection(ctx, opts)
}

// ConnectOptsFromFile loads a YAML connect-options file (see
// internal/config.File for the document shape) and returns the equivalent
// ConnectOpts. It does not dial; pass the result to Connect.
func ConnectOptsFromFile(path string) (ConnectOpts, error) {
	f, err := config.LoadFile(path)
	if err != nil {
		return ConnectOpts{}, err
	}
	timeout, err := f.ParseTimeout(defaultConnectOpts().Timeout)
	if err != nil {
		return ConnectOpts{}, err
	}
	return ConnectOpts{
		Host:    f.Host,
		Port:    f.Port,
		DB:      f.DB,
		AuthKey: f.AuthKey,
		Timeout: timeout,
	}, nil
}

// IsConnection reports whether x is a *Connection, the predicate callers
// use to distinguish a real connection handle from any other value passed
// around generically (e.g. in a connection pool keyed by interface{}).
func IsConnection(x any) bool {
	_, ok := x.(*Connection)
	return ok
}
