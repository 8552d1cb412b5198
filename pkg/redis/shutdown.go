package redis

import (
	"context"
	"io"
)

// Shutdown returns a hook that closes the client. Register it after the
// queue manager so in-flight submissions finish their ledger writes first.
func Shutdown(client io.Closer) func(context.Context) error {
	return func(context.Context) error {
		return client.Close()
	}
}
