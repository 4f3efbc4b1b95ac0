package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pgaskin/chromabridge/ctlproto"
)

// SocketPath returns the default control socket path.
func SocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "chromabridge.sock")
	}
	return filepath.Join(os.TempDir(), "chromabridge-"+strconv.Itoa(os.Getuid())+".sock")
}

// Listen listens on a unix socket at path, replacing it if it is stale.
func Listen(path string) (net.Listener, error) {
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return nil, fmt.Errorf("listen %s: already in use", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Serve accepts connections on l until ctx is cancelled, then closes l and
// waits for open connections to finish.
func (s *Service) Serve(ctx context.Context, l net.Listener) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = map[net.Conn]struct{}{}
	)
	stop := context.AfterFunc(ctx, func() {
		l.Close()
		mu.Lock()
		for conn := range conns {
			conn.Close()
		}
		mu.Unlock()
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Go(func() {
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			if err := s.serveConn(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger().Debug("control connection failed", "error", err)
			}
		})
	}
}

func (s *Service) serveConn(ctx context.Context, conn net.Conn) error {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), ctlproto.MaxLine)

	var buf []byte
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var (
			req  ctlproto.Request
			resp ctlproto.Response
		)
		if err := req.FromJSON(line); err != nil {
			resp.Err = err.Error()
		} else {
			s.logger().Debug("control request", "op", req.Op, "monitor", req.Monitor)
			resp = s.Handle(ctx, req)
		}
		buf = append(resp.AppendJSON(buf[:0]), '\n')
		if _, err := conn.Write(buf); err != nil {
			return err
		}
	}
	return sc.Err()
}
