// Package server implements the UDP router: it owns a bound socket,
// decodes inbound datagrams, dispatches them to registered handlers by
// command and emits response datagrams back to the sender.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"

	"github.com/mx623303468/udprpc/internal/logging"
	"github.com/mx623303468/udprpc/internal/metrics"
	"github.com/mx623303468/udprpc/internal/packet"
)

// maxDatagramSize is the largest datagram the router will read. One
// datagram carries one envelope; payloads must fit the path MTU anyway.
const maxDatagramSize = 65535

// ErrClosed is returned for operations on a closed router.
var ErrClosed = errors.New("server: router closed")

// Router states.
const (
	stateCreated int32 = iota
	stateListening
	stateClosed
)

// Dispatch reject reasons used as metric labels.
const (
	reasonMalformed      = "malformed"
	reasonMissingPattern = "missing_pattern"
	reasonInvalidPrefix  = "invalid_prefix"
	reasonNoHandler      = "no_handler"
)

// Config defines the router's bind options. Immutable for the lifetime of
// a router instance.
type Config struct {
	Family     string // udp4 or udp6
	BindHost   string
	BindPort   int
	ReadBuffer int

	// ErrorReplyRate caps error replies per second so that floods of
	// unroutable traffic cannot be amplified. 0 disables the cap.
	ErrorReplyRate  float64
	ErrorReplyBurst int

	Multicast Multicast
}

// Multicast defines optional multicast group membership.
type Multicast struct {
	Enabled      bool
	GroupAddress string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Family:          "udp4",
		BindHost:        "0.0.0.0",
		BindPort:        41234,
		ReadBuffer:      262144,
		ErrorReplyRate:  100,
		ErrorReplyBurst: 200,
	}
}

// Router is the pattern-dispatching UDP server.
type Router struct {
	cfg     Config
	lookup  Lookup
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	conn  *net.UDPConn
	state atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a router. The lookup collaborator resolves commands to
// handlers; it is read-only from the router's perspective.
func New(cfg Config, lookup Lookup, logger *slog.Logger, m *metrics.Metrics) *Router {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.ErrorReplyRate > 0 {
		burst := cfg.ErrorReplyBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ErrorReplyRate), burst)
	}

	return &Router{
		cfg:     cfg,
		lookup:  lookup,
		logger:  logger.With(slog.String(logging.KeyComponent, "server")),
		metrics: m,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the socket, joins the multicast group if configured and
// starts the receive loop. It returns once the socket is bound.
func (r *Router) Listen() error {
	if !r.state.CompareAndSwap(stateCreated, stateListening) {
		if r.state.Load() == stateClosed {
			return ErrClosed
		}
		return fmt.Errorf("server: already listening")
	}

	addr, err := net.ResolveUDPAddr(r.cfg.Family, net.JoinHostPort(r.cfg.BindHost, strconv.Itoa(r.cfg.BindPort)))
	if err != nil {
		r.state.Store(stateClosed)
		return fmt.Errorf("resolve bind address: %w", err)
	}

	conn, err := net.ListenUDP(r.cfg.Family, addr)
	if err != nil {
		r.state.Store(stateClosed)
		return fmt.Errorf("bind: %w", err)
	}
	r.conn = conn

	if r.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(r.cfg.ReadBuffer); err != nil {
			r.logger.Warn("failed to set read buffer",
				slog.Int("read_buffer", r.cfg.ReadBuffer),
				slog.String(logging.KeyError, err.Error()))
		}
	}

	// Group membership failures are logged, not fatal: unicast delivery
	// still works on the bound socket.
	if r.cfg.Multicast.Enabled && r.cfg.Multicast.GroupAddress != "" {
		if err := r.joinGroup(); err != nil {
			r.logger.Warn("failed to join multicast group",
				slog.String(logging.KeyAddress, r.cfg.Multicast.GroupAddress),
				slog.String(logging.KeyError, err.Error()))
		} else {
			r.logger.Info("joined multicast group",
				slog.String(logging.KeyAddress, r.cfg.Multicast.GroupAddress))
		}
	}

	r.logger.Info("server listening",
		slog.String(logging.KeyLocalAddr, conn.LocalAddr().String()))

	r.wg.Add(1)
	go r.readLoop()

	return nil
}

// joinGroup joins the configured multicast group on the bound socket.
func (r *Router) joinGroup() error {
	group := net.ParseIP(r.cfg.Multicast.GroupAddress)
	if group == nil {
		return fmt.Errorf("invalid group address: %s", r.cfg.Multicast.GroupAddress)
	}

	if r.cfg.Family == "udp6" {
		return ipv6.NewPacketConn(r.conn).JoinGroup(nil, &net.UDPAddr{IP: group})
	}
	return ipv4.NewPacketConn(r.conn).JoinGroup(nil, &net.UDPAddr{IP: group})
}

// LocalAddr returns the bound address, or nil before Listen.
func (r *Router) LocalAddr() *net.UDPAddr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts the router down. It is idempotent; no operations are valid
// afterwards.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.state.Store(stateClosed)
		r.cancel()
		if r.conn != nil {
			r.conn.Close()
		}
		r.wg.Wait()
		r.logger.Info("server closed")
	})
	return nil
}

// readLoop receives datagrams and dispatches each one concurrently.
// Two concurrently arriving datagrams are handled as independent,
// unordered invocations.
func (r *Router) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			if r.state.Load() == stateClosed {
				return
			}
			r.logger.Warn("read failed", slog.String(logging.KeyError, err.Error()))
			continue
		}

		r.metrics.DatagramsReceived.Inc()
		r.metrics.BytesReceived.Add(float64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		r.wg.Add(1)
		go func(data []byte, remote *net.UDPAddr, ts time.Time) {
			defer r.wg.Done()
			r.handleDatagram(data, remote, ts)
		}(data, remote, time.Now())
	}
}

// handleDatagram runs the full dispatch pipeline for one datagram.
func (r *Router) handleDatagram(data []byte, remote *net.UDPAddr, ts time.Time) {
	pkt, err := packet.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, packet.ErrMissingPattern):
			r.reject(remote, "", reasonMissingPattern, "missing pattern")
		default:
			r.reject(remote, "", reasonMalformed, fmt.Sprintf("malformed packet: %v", err))
		}
		return
	}

	// Cheap denial-of-irrelevant-traffic filter, not a security boundary.
	if !pkt.Pattern.HasPrefix() {
		r.reject(remote, pkt.ID, reasonInvalidPrefix,
			fmt.Sprintf("command %q does not start with required prefix %q", pkt.Pattern.Cmd, packet.Prefix))
		return
	}

	handler, ok := r.lookup.Lookup(pkt.Pattern.Cmd)
	if !ok {
		r.reject(remote, pkt.ID, reasonNoHandler,
			fmt.Sprintf("no handler registered for command %q", pkt.Pattern.Cmd))
		return
	}

	hctx := &Context{
		RemoteAddr: remote,
		Timestamp:  ts,
		Packet:     pkt,
	}

	r.metrics.HandlerInvocations.WithLabelValues(pkt.Pattern.Cmd).Inc()

	result, err := r.invoke(handler, hctx, pkt.Data)
	r.metrics.HandlerLatency.Observe(time.Since(ts).Seconds())
	if err != nil {
		r.metrics.HandlerErrors.Inc()
		r.logger.Error("handler failed",
			slog.String(logging.KeyCommand, pkt.Pattern.Cmd),
			slog.String(logging.KeyRemoteAddr, remote.String()),
			slog.String(logging.KeyError, err.Error()))
		r.sendError(remote, pkt.ID, fmt.Sprintf("internal error: %v", err))
		return
	}

	for v := range values(result) {
		if v == nil {
			// Explicitly empty value, no datagram.
			continue
		}
		if verr, ok := v.(error); ok {
			r.metrics.HandlerErrors.Inc()
			r.logger.Error("handler stream failed",
				slog.String(logging.KeyCommand, pkt.Pattern.Cmd),
				slog.String(logging.KeyRemoteAddr, remote.String()),
				slog.String(logging.KeyError, verr.Error()))
			r.sendError(remote, pkt.ID, fmt.Sprintf("internal error: %v", verr))
			continue
		}
		r.respond(remote, pkt.ID, v)
	}
}

// invoke calls the handler, converting a panic into an error so a broken
// handler never takes the router down.
func (r *Router) invoke(h Handler, ctx *Context, data any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	return h(ctx, data)
}

// values adapts the heterogeneous handler return shapes into one producer
// of zero or more response values.
func values(result any) <-chan any {
	switch s := result.(type) {
	case nil:
		ch := make(chan any)
		close(ch)
		return ch
	case <-chan any:
		return s
	case chan any:
		return s
	default:
		ch := make(chan any, 1)
		ch <- result
		close(ch)
		return ch
	}
}

// respond encodes and sends one response datagram to the original sender.
func (r *Router) respond(remote *net.UDPAddr, id string, data any) {
	buf, err := packet.EncodeResponse(id, data)
	if err != nil {
		r.logger.Error("failed to encode response",
			slog.String(logging.KeyRemoteAddr, remote.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	r.send(buf, remote)
	r.metrics.ResponsesSent.Inc()
}

// reject counts a structural rejection and replies with a textual error.
func (r *Router) reject(remote *net.UDPAddr, id, reason, msg string) {
	r.metrics.DispatchRejects.WithLabelValues(reason).Inc()
	r.logger.Debug("rejected datagram",
		slog.String("reason", reason),
		slog.String(logging.KeyRemoteAddr, remote.String()))
	r.sendError(remote, id, msg)
}

// sendError sends a textual error reply, subject to the rate limiter.
func (r *Router) sendError(remote *net.UDPAddr, id, msg string) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.metrics.ErrorRepliesDropped.Inc()
		return
	}

	buf, err := packet.EncodeResponse(id, map[string]string{"error": msg})
	if err != nil {
		return
	}
	r.send(buf, remote)
}

// send writes one datagram. Send failures are logged and otherwise
// ignored; UDP has no delivery acknowledgment at this layer.
func (r *Router) send(buf []byte, remote *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(buf, remote); err != nil {
		r.metrics.SendErrors.Inc()
		r.logger.Warn("send failed",
			slog.String(logging.KeyRemoteAddr, remote.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	r.metrics.DatagramsSent.Inc()
	r.metrics.BytesSent.Add(float64(len(buf)))
}

// SendMessage is the server-initiated push primitive: it encodes
// {pattern: command, data} and sends it once to host:port, bypassing
// dispatch. No response is expected or processed.
func (r *Router) SendMessage(host string, port int, command string, data any) error {
	if r.state.Load() != stateListening {
		return ErrClosed
	}

	buf, err := packet.Encode(&packet.Packet{
		Pattern: packet.Pattern{Cmd: command},
		Data:    data,
	})
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr(r.cfg.Family, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	r.send(buf, addr)
	return nil
}
