package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/mx623303468/udprpc/internal/packet"
)

// Context is the per-datagram record passed to handlers. It is constructed
// fresh for every received datagram and discarded once the handler's result
// has been fully consumed.
type Context struct {
	// RemoteAddr is the sender's address and port.
	RemoteAddr *net.UDPAddr

	// Timestamp is the receipt time of the datagram.
	Timestamp time.Time

	// Packet is the raw decoded request envelope.
	Packet *packet.Packet
}

// Handler is the business logic invoked for a command. The returned value
// is treated as a producer of zero or more response values:
//
//   - nil means no response datagram is sent;
//   - a <-chan any (or chan any) emits one response per received value
//     until the channel closes; an error value on the channel is reported
//     to the sender as an internal error;
//   - any other value is sent as a single response.
//
// A returned error, or a panic, produces exactly one internal-error reply.
// Handlers may be invoked concurrently with themselves and must be safe to
// run reentrantly; the Context is the only per-request isolation.
type Handler func(ctx *Context, data any) (any, error)

// Lookup resolves a command string to a handler. The router performs
// lookup by exact command string only.
type Lookup interface {
	Lookup(command string) (Handler, bool)
}

// Registry is a concurrency-safe command-to-handler mapping. It satisfies
// Lookup and is the default registry used by the daemon.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a command, replacing any previous binding.
func (r *Registry) Register(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

// Lookup returns the handler bound to the command, if any.
func (r *Registry) Lookup(command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[command]
	return h, ok
}

// Commands returns the registered commands in sorted order.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make([]string, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}
