// Package muxconn holds the state of logical connections and the registry that
// owns them.
//
// A logical connection has a stable id and outlives the physical requests that carry
// its bytes. Its transport binding (a muxpipe.Duplex) is created by the first physical
// request and disposed once, when the logical connection ends.
package muxconn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sammck-go/connmux/pkg/muxpipe"
)

// Mode determines which operations and transports a connection supports
type Mode int

const (
	// ModeUnknown is the zero Mode; no connection is created with it
	ModeUnknown Mode = iota

	// ModeStreaming is a streaming-multiplexed connection: a byte stream that
	// accepts out-of-band "send" submissions in addition to transport input.
	ModeStreaming

	// ModeMessaging is a message-oriented connection. "send" is not supported.
	ModeMessaging
)

var modeNames = [...]string{"unknown", "streaming", "messaging"}

func (m Mode) String() string {
	if m < ModeUnknown || m > ModeMessaging {
		m = ModeUnknown
	}
	return modeNames[m]
}

// ParseMode converts a mode name to a Mode
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if i > 0 && strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return ModeUnknown, fmt.Errorf("unknown connection mode: %q", s)
}

// Format is the negotiated wire format of a connection's frames
type Format int

const (
	// FormatText frames carry UTF-8 text
	FormatText Format = iota

	// FormatBinary frames carry arbitrary bytes
	FormatBinary
)

// ParseFormat returns FormatBinary if s is "binary" in any case, otherwise FormatText
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "binary") {
		return FormatBinary
	}
	return FormatText
}

func (f Format) String() string {
	if f == FormatBinary {
		return "binary"
	}
	return "text"
}

// Metadata holds the facts a connection remembers across physical requests
type Metadata struct {
	// Transport is the name of the transport bound to the connection
	Transport string

	// Format is the negotiated wire format
	Format Format

	// SubFormat is the caller-chosen secondary format tag (e.g., "json")
	SubFormat string
}

// Connection is the state of one logical connection.
type Connection struct {
	id        string
	mode      Mode
	createdAt time.Time
	clock     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// session is a try-lock owned by the physical request currently driving the connection
	session chan struct{}

	mu        sync.Mutex
	active    bool
	lastSeen  time.Time
	meta      Metadata
	pending   *Task
	user      string
	closeHook func() error
	items     map[string]interface{}
	duplex    muxpipe.Duplex

	disposeOnce sync.Once
}

func newConnection(parent context.Context, id string, mode Mode, clock func() time.Time) *Connection {
	now := clock()
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:        id,
		mode:      mode,
		createdAt: now,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
		session:   make(chan struct{}, 1),
		lastSeen:  now,
	}
}

// ID returns the connection's identity
func (c *Connection) ID() string {
	return c.id
}

// Mode returns the connection's mode
func (c *Connection) Mode() Mode {
	return c.mode
}

// CreatedAt returns the time the connection was created
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Context is canceled when the connection is disposed or its registry shuts down
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%s)", c.id)
}

// IsActive reports whether a physical request is currently bound to the connection
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastSeen returns the last time a physical request attached to or detached from the connection
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// SetActive sets the active flag and records the time as lastSeen
func (c *Connection) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
	c.lastSeen = c.clock()
}

// Metadata returns a snapshot of the connection's metadata
func (c *Connection) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// Describe records the transport and formats negotiated for the connection
func (c *Connection) Describe(transport string, format Format, subFormat string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = Metadata{Transport: transport, Format: format, SubFormat: subFormat}
}

// User returns the caller identity captured when the connection was first bound
func (c *Connection) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SetUser records the caller identity
func (c *Connection) SetUser(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
}

// PendingEndpoint returns the endpoint invocation started by the first poll request, or nil
func (c *Connection) PendingEndpoint() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// SetPendingEndpoint remembers the running endpoint invocation so later physical
// requests can rejoin it
func (c *Connection) SetPendingEndpoint(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = t
}

// SetCloseHook installs the action Abort runs to tear the connection down from outside
// a session
func (c *Connection) SetCloseHook(hook func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHook = hook
}

// Item returns a caller-supplied value stored on the connection
func (c *Connection) Item(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// SetItem stores a caller-supplied value on the connection
func (c *Connection) SetItem(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]interface{})
	}
	c.items[key] = value
}

// Duplex returns the connection's transport binding, or nil if no physical request
// has attached yet
func (c *Connection) Duplex() muxpipe.Duplex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplex
}

// bind attaches a new duplex and marks the connection active if no binding exists.
// Returns true if this call created the binding; otherwise nothing changes.
func (c *Connection) bind(newDuplex func() muxpipe.Duplex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.duplex != nil {
		return false
	}
	c.duplex = newDuplex()
	c.active = true
	c.lastSeen = c.clock()
	return true
}

// Dispose closes the transport binding and cancels the connection's context.
// Only the first call has any effect.
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		if d := c.Duplex(); d != nil {
			d.Close()
		}
		c.cancel()
	})
}

// Abort tears the connection down from outside a session: it runs the close hook if one
// is installed, and otherwise disposes the binding.
func (c *Connection) Abort() error {
	c.mu.Lock()
	hook := c.closeHook
	c.mu.Unlock()
	if hook != nil {
		return hook()
	}
	c.Dispose()
	return nil
}

func (c *Connection) tryAcquire() bool {
	select {
	case c.session <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Connection) release() {
	<-c.session
}

// stream returns the application side of the binding
func (c *Connection) stream() (muxpipe.Stream, error) {
	d := c.Duplex()
	if d == nil {
		return nil, ErrNotBound
	}
	return d.Application(), nil
}

// Read reads the application's input as a byte stream
func (c *Connection) Read(p []byte) (int, error) {
	s, err := c.stream()
	if err != nil {
		return 0, err
	}
	return s.Read(p)
}

// Write sends application output toward the transport, as one frame
func (c *Connection) Write(p []byte) (int, error) {
	s, err := c.stream()
	if err != nil {
		return 0, err
	}
	return s.Write(p)
}

// ReadFrame returns the next input frame, preserving message boundaries
func (c *Connection) ReadFrame(ctx context.Context) ([]byte, error) {
	s, err := c.stream()
	if err != nil {
		return nil, err
	}
	return s.ReadFrame(ctx)
}

// WriteFrame sends one output frame
func (c *Connection) WriteFrame(p []byte) error {
	s, err := c.stream()
	if err != nil {
		return err
	}
	return s.WriteFrame(p)
}

// CloseWrite ends the application's output. Transports finish once it is drained.
func (c *Connection) CloseWrite() error {
	s, err := c.stream()
	if err != nil {
		return err
	}
	return s.CloseWrite()
}

// Close is CloseWrite, so a Connection can be handed to code expecting an io.ReadWriteCloser
func (c *Connection) Close() error {
	return c.CloseWrite()
}
