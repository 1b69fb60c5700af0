package muxconn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sammck-go/connmux/pkg/muxpipe"
	muxshare "github.com/sammck-go/connmux/share"
)

const maxIDAttempts = 8

// Resolution tells the caller of Resolve whether it must start the endpoint invocation
type Resolution int

const (
	// Created means this request bound the connection's transport; the caller starts
	// the endpoint invocation
	Created Resolution = iota

	// Reused means the connection was already bound; the caller rejoins the existing
	// endpoint invocation, if any
	Reused
)

func (r Resolution) String() string {
	if r == Created {
		return "created"
	}
	return "reused"
}

// Resolved is the result of Registry.Resolve. The caller owns the connection's session
// lock until Release is called.
type Resolved struct {
	Conn   *Connection
	Status Resolution
}

// Release gives up the session lock taken by Resolve
func (r Resolved) Release() {
	r.Conn.release()
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithIDGenerator replaces the random connection id generator
func WithIDGenerator(gen func() (string, error)) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// WithDuplexFactory replaces the factory used to create transport bindings
func WithDuplexFactory(f func() muxpipe.Duplex) RegistryOption {
	return func(r *Registry) { r.newDuplex = f }
}

// WithShards sets the number of map shards; rounded up to a power of two
func WithShards(n int) RegistryOption {
	return func(r *Registry) { r.nshards = n }
}

// WithClock replaces time.Now for lastSeen bookkeeping
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry owns every live logical connection, keyed by id.
type Registry struct {
	muxshare.ShutdownHelper
	shards    []*registryShard
	mask      uint32
	nshards   int
	newID     func() (string, error)
	newDuplex func() muxpipe.Duplex
	clock     func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRegistry creates an empty, active Registry
func NewRegistry(logger muxshare.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		nshards:   16,
		newID:     NewRandomID,
		newDuplex: func() muxpipe.Duplex { return muxpipe.New() },
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.InitShutdownHelper(logger.Fork("registry"), r)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	n := nextPowerOfTwo(uint32(max(r.nshards, 1)))
	r.shards = make([]*registryShard, n)
	for i := range r.shards {
		r.shards[i] = &registryShard{conns: make(map[string]*Connection)}
	}
	r.mask = n - 1
	r.PanicOnError(r.Activate())
	return r
}

// NewRandomID returns 16 bytes from crypto/rand, base64url encoded without padding
func NewRandomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func (r *Registry) closing() bool {
	select {
	case <-r.ShutdownStartedChan():
		return true
	default:
		return false
	}
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()&r.mask]
}

// insert generates an id and stores a new connection under it. prepare runs on the
// connection before it becomes visible to Lookup.
func (r *Registry) insert(mode Mode, prepare func(*Connection)) (*Connection, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := r.newID()
		if err != nil {
			return nil, err
		}
		sh := r.shard(id)
		sh.mu.Lock()
		// checked under the shard lock so the shutdown snapshot sees every insert that passed
		if r.closing() {
			sh.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if _, exists := sh.conns[id]; exists {
			sh.mu.Unlock()
			r.WLogf("generated connection id %q collides with a live connection; retrying", id)
			continue
		}
		c := newConnection(r.ctx, id, mode, r.clock)
		if prepare != nil {
			prepare(c)
		}
		sh.conns[id] = c
		sh.mu.Unlock()
		r.DLogf("created %s mode=%s", c, mode)
		return c, nil
	}
	return nil, r.Errorf("could not generate a unique connection id after %d attempts", maxIDAttempts)
}

// Create generates a new identity, registers an unbound connection under it and returns it
func (r *Registry) Create(mode Mode) (*Connection, error) {
	return r.insert(mode, nil)
}

// Lookup returns the connection registered under id
func (r *Registry) Lookup(id string) (*Connection, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.conns[id]
	return c, ok
}

// Remove unregisters id. It does not dispose the connection.
func (r *Registry) Remove(id string) {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.conns[id]
	delete(sh.conns, id)
	sh.mu.Unlock()
	if ok {
		r.DLogf("removed connection %s", id)
	}
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.conns)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for a snapshot of the registered connections
func (r *Registry) Range(fn func(*Connection)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}

func (r *Registry) snapshot() []*Connection {
	var conns []*Connection
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, c := range sh.conns {
			conns = append(conns, c)
		}
		sh.mu.RUnlock()
	}
	return conns
}

// Resolve finds or creates the connection for a transport negotiation request and takes
// its session lock.
//
// With an empty id a new connection is created and bound (Created). A non-empty id must
// name a registered connection; if it has no binding yet one is attached (Created),
// otherwise the existing binding is reused (Reused). Errors leave registry and
// connection state untouched.
func (r *Registry) Resolve(id string, mode Mode) (Resolved, error) {
	if id == "" {
		c, err := r.insert(mode, func(c *Connection) {
			c.tryAcquire()
			c.bind(r.newDuplex)
		})
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Conn: c, Status: Created}, nil
	}

	c, ok := r.Lookup(id)
	if !ok || c.ctx.Err() != nil {
		return Resolved{}, fmt.Errorf("%w: %q", ErrUnknownConnection, id)
	}
	if !c.tryAcquire() {
		return Resolved{}, fmt.Errorf("%w: %q", ErrConnectionBusy, id)
	}
	if c.bind(r.newDuplex) {
		return Resolved{Conn: c, Status: Created}, nil
	}
	return Resolved{Conn: c, Status: Reused}, nil
}

// Sweep removes and aborts every connection that is not bound to a physical request and
// has not been seen for longer than idle. Connections whose session lock is held are
// skipped. Returns the number of connections removed.
func (r *Registry) Sweep(idle time.Duration) int {
	now := r.clock()
	n := 0
	for _, c := range r.snapshot() {
		if !c.tryAcquire() {
			continue
		}
		if !c.IsActive() && now.Sub(c.LastSeen()) > idle {
			r.Remove(c.id)
			c.release()
			if err := c.Abort(); err != nil {
				r.DLogf("%s ended with error after idle sweep: %s", c, err)
			}
			n++
			continue
		}
		c.release()
	}
	if n > 0 {
		r.DLogf("swept %d idle connections", n)
	}
	return n
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It removes and
// aborts every remaining connection.
func (r *Registry) HandleOnceShutdown(completionErr error) error {
	conns := r.snapshot()
	r.DLogf("HandleOnceShutdown: draining %d connections", len(conns))
	var wg sync.WaitGroup
	for _, c := range conns {
		r.Remove(c.id)
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Abort(); err != nil {
				r.DLogf("%s ended with error during shutdown: %s", c, err)
			}
		}(c)
	}
	wg.Wait()
	r.cancel()
	return completionErr
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
