package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pgaskin/chromabridge/ctlproto"
)

// Client is a connection to the control server. It is safe for concurrent
// usage, but requests are sent one at a time.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	sc   *bufio.Scanner
	buf  []byte
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), ctlproto.MaxLine)
	return &Client{conn: conn, sc: sc}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends a request and waits for the response. If the response contains an
// error, it is returned along with the response.
func (c *Client) Do(ctx context.Context, req ctlproto.Request) (ctlproto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return ctlproto.Response{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.buf = append(req.AppendJSON(c.buf[:0]), '\n')
	if _, err := c.conn.Write(c.buf); err != nil {
		return ctlproto.Response{}, c.err(ctx, err)
	}
	if !c.sc.Scan() {
		err := c.sc.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return ctlproto.Response{}, c.err(ctx, err)
	}

	var resp ctlproto.Response
	if err := resp.FromJSON(c.sc.Bytes()); err != nil {
		return resp, err
	}
	if resp.Err != "" {
		return resp, fmt.Errorf("%s: %s", req.Op, resp.Err)
	}
	return resp, nil
}

func (c *Client) err(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return errors.Join(cerr, err)
	}
	return err
}
