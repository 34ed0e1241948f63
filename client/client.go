package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Fetch sends one path request to addr and returns every byte the server
// writes before closing. The protocol has no status: a missing file and an
// empty file both come back as zero bytes.
func Fetch(ctx context.Context, addr, path string) ([]byte, error) {
	if strings.ContainsRune(path, '\n') {
		return nil, fmt.Errorf("path %q contains a newline", path)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	// unblock the read below if ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, path+"\n"); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		if ctx.Err() != nil {
			return data, ctx.Err()
		}
		return data, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// Addr joins host and port the way the server command line takes them.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
