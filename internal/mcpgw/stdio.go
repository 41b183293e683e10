package mcpgw

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxLineBytes bounds one newline-delimited message.
const maxLineBytes = 8 << 20

// ServeStdio answers newline-delimited JSON-RPC requests read from in,
// writing one response line per request to out. Requests are handled
// concurrently; responses may arrive out of order and are matched by id.
// It returns when in reaches EOF, after in-flight requests finish.
func ServeStdio(ctx context.Context, gw *Gateway, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := gw.handleRaw(ctx, line)
			if resp == nil {
				return
			}
			wmu.Lock()
			defer wmu.Unlock()
			if _, err := out.Write(append(resp, '\n')); err != nil {
				log.Error().Err(err).Str("agent", gw.Name()).Msg("stdio write failed")
			}
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return ctx.Err()
}

// ── Client side ─────────────────────────────────────────────

// stdioConn multiplexes requests over a subprocess's stdin/stdout pair.
type stdioConn struct {
	w       io.WriteCloser
	onClose func() error

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *models.MCPResponse
	done    chan struct{}
	err     error
}

func newStdioConn(r io.Reader, w io.WriteCloser, onClose func() error) *stdioConn {
	c := &stdioConn{
		w:       w,
		onClose: onClose,
		pending: make(map[int64]chan *models.MCPResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *stdioConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var resp models.MCPResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warn().Err(err).Msg("Discarding malformed stdio message")
			continue
		}
		id, ok := idKey(resp.ID)
		if !ok {
			continue
		}
		c.mu.Lock()
		ch, found := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if found {
			ch <- &resp
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *stdioConn) call(ctx context.Context, req *models.MCPRequest) (*models.MCPResponse, error) {
	id, _ := idKey(req.ID)
	ch := make(chan *models.MCPResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *stdioConn) notify(_ context.Context, req *models.MCPRequest) error {
	return c.write(req)
}

func (c *stdioConn) write(req *models.MCPRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *stdioConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *stdioConn) close() error {
	err := c.w.Close()
	if c.onClose != nil {
		if cerr := c.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewStdioClient opens a client over a reader/writer pair, typically a
// subprocess's stdout and stdin, and performs the handshake. onClose, if
// set, runs after stdin is closed.
func NewStdioClient(ctx context.Context, name string, r io.Reader, w io.WriteCloser, onClose func() error) (*Client, error) {
	c := newClient(name, models.TransportStdio, newStdioConn(r, w, onClose))
	if err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake with %s over stdio: %w", name, err)
	}
	return c, nil
}
