// Package client implements the UDP dispatcher: it encodes and sends
// pattern-addressed requests and delivers inbound response datagrams to
// the callers awaiting them.
//
// The base protocol has no request/response correlation, so a shared
// socket would cross-deliver responses between concurrent requests. The
// dispatcher therefore tags every request with a correlation id and routes
// inbound datagrams by the id echoed in the response. Responses without an
// id (servers predating the id field) are fanned out to every pending
// request.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mx623303468/udprpc/internal/logging"
	"github.com/mx623303468/udprpc/internal/metrics"
	"github.com/mx623303468/udprpc/internal/packet"
	"github.com/mx623303468/udprpc/internal/resolve"
)

// ErrClosed is returned for operations on a closed dispatcher.
var ErrClosed = errors.New("client: dispatcher closed")

// responseBuffer is the per-request channel capacity. A slow consumer
// drops responses beyond it rather than blocking the read loop.
const responseBuffer = 16

// Config defines the dispatcher's socket family and default destination.
type Config struct {
	Family    string // udp4 or udp6
	Host      string
	Port      int
	Multicast Multicast
}

// Multicast forces multicast delivery for every request when enabled.
type Multicast struct {
	Enabled      bool
	GroupAddress string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Family: "udp4",
		Host:   "127.0.0.1",
		Port:   41234,
	}
}

// Response is one value delivered on a request's response stream. Err is
// set instead of Data when the send failed or the response was undecodable.
type Response struct {
	Data any
	Err  error
}

// pendingRequest is one outstanding request's delivery state. Delivery and
// completion are serialized by the dispatcher mutex so a response is never
// sent on a completed channel.
type pendingRequest struct {
	id   string
	ch   chan Response
	done chan struct{}
}

// Dispatcher owns a UDP socket shared by all requests issued through it.
// It is immediately usable after New; there is no pending-connection state
// for a connectionless transport.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn *net.UDPConn

	mu      sync.Mutex
	pending map[string]*pendingRequest

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a dispatcher with a freshly bound ephemeral socket and
// starts its receive loop.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	conn, err := net.ListenUDP(cfg.Family, nil)
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}

	d := &Dispatcher{
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "client")),
		metrics: m,
		conn:    conn,
		pending: make(map[string]*pendingRequest),
	}

	d.wg.Add(1)
	go d.readLoop()

	return d, nil
}

// LocalAddr returns the dispatcher socket's local address.
func (d *Dispatcher) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Request resolves the destination, sends {id, pattern, data} and returns
// a stream of response values plus a cancel handle. The stream stays open
// until cancelled: the base protocol gives no way to know how many values
// a handler will produce. Cancelling detaches this request from the
// socket's inbound datagrams but does not close the shared socket. The
// context cancels the request the same way when it expires.
//
// A failed send is reported as an error value on the returned stream.
func (d *Dispatcher) Request(ctx context.Context, pattern packet.Pattern, data any) (<-chan Response, func(), error) {
	if d.closed.Load() {
		return nil, nil, ErrClosed
	}

	id := uuid.NewString()
	buf, err := packet.Encode(&packet.Packet{ID: id, Pattern: pattern, Data: data})
	if err != nil {
		return nil, nil, err
	}

	addr, err := d.resolveAddr(pattern)
	if err != nil {
		return nil, nil, err
	}

	req := &pendingRequest{
		id:   id,
		ch:   make(chan Response, responseBuffer),
		done: make(chan struct{}),
	}

	// Attach before sending so a fast responder cannot race the listener
	// registration; a failed send detaches again below.
	d.mu.Lock()
	d.pending[id] = req
	d.mu.Unlock()
	d.metrics.RequestsInflight.Inc()
	d.metrics.RequestsTotal.Inc()

	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			d.complete(req)
		})
	}

	if _, err := d.conn.WriteToUDP(buf, addr); err != nil {
		d.metrics.SendErrors.Inc()
		d.deliver(req, Response{Err: fmt.Errorf("send: %w", err)})
		cancel()
		return req.ch, func() {}, nil
	}
	d.metrics.DatagramsSent.Inc()
	d.metrics.BytesSent.Add(float64(len(buf)))

	d.logger.Debug("request sent",
		slog.String(logging.KeyRequestID, id),
		slog.String(logging.KeyCommand, pattern.Cmd),
		slog.String(logging.KeyAddress, addr.String()))

	stop := context.AfterFunc(ctx, cancel)
	return req.ch, func() { stop(); cancel() }, nil
}

// Notify resolves the destination, sends {pattern, data} and returns once
// the underlying send completes, without waiting for or consuming any
// response.
func (d *Dispatcher) Notify(pattern packet.Pattern, data any) error {
	if d.closed.Load() {
		return ErrClosed
	}

	buf, err := packet.Encode(&packet.Packet{Pattern: pattern, Data: data})
	if err != nil {
		return err
	}

	addr, err := d.resolveAddr(pattern)
	if err != nil {
		return err
	}

	if _, err := d.conn.WriteToUDP(buf, addr); err != nil {
		d.metrics.SendErrors.Inc()
		return fmt.Errorf("send: %w", err)
	}
	d.metrics.DatagramsSent.Inc()
	d.metrics.BytesSent.Add(float64(len(buf)))
	d.metrics.NotifiesTotal.Inc()
	return nil
}

// Close releases the socket and completes every pending request. It is
// idempotent.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.conn.Close()
		d.wg.Wait()

		d.mu.Lock()
		reqs := make([]*pendingRequest, 0, len(d.pending))
		for _, req := range d.pending {
			reqs = append(reqs, req)
		}
		d.mu.Unlock()

		for _, req := range reqs {
			d.complete(req)
		}
	})
	return nil
}

// resolveAddr computes the effective destination for a pattern.
func (d *Dispatcher) resolveAddr(pattern packet.Pattern) (*net.UDPAddr, error) {
	dest := resolve.Resolve(pattern, resolve.Local{
		Host:             d.cfg.Host,
		Port:             d.cfg.Port,
		MulticastEnabled: d.cfg.Multicast.Enabled,
		MulticastGroup:   d.cfg.Multicast.GroupAddress,
	})

	addr, err := net.ResolveUDPAddr(d.cfg.Family, dest.Addr())
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	return addr, nil
}

// readLoop decodes inbound datagrams and routes them to pending requests.
func (d *Dispatcher) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if d.closed.Load() {
				return
			}
			d.logger.Warn("read failed", slog.String(logging.KeyError, err.Error()))
			continue
		}

		d.metrics.DatagramsReceived.Inc()
		d.metrics.BytesReceived.Add(float64(n))

		resp, err := packet.DecodeResponse(buf[:n])
		if err != nil {
			d.logger.Debug("discarding undecodable datagram",
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		d.route(resp)
	}
}

// route delivers a response to the pending request it correlates with, or
// to every pending request when it carries no id.
func (d *Dispatcher) route(resp *packet.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if resp.ID != "" {
		if req, ok := d.pending[resp.ID]; ok {
			deliverLocked(req, Response{Data: resp.Data})
		}
		return
	}

	for _, req := range d.pending {
		deliverLocked(req, Response{Data: resp.Data})
	}
}

// deliver sends one value to a request under the dispatcher lock.
func (d *Dispatcher) deliver(req *pendingRequest, resp Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	deliverLocked(req, resp)
}

// deliverLocked drops the value if the request is complete or its buffer
// is full; the read loop must never block on a slow consumer.
func deliverLocked(req *pendingRequest, resp Response) {
	select {
	case <-req.done:
		return
	default:
	}
	select {
	case req.ch <- resp:
	default:
	}
}

// complete detaches a request and closes its stream.
func (d *Dispatcher) complete(req *pendingRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-req.done:
		return
	default:
	}
	close(req.done)
	delete(d.pending, req.id)
	close(req.ch)
	d.metrics.RequestsInflight.Dec()
}
