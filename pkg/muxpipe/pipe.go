// Package muxpipe provides the in-process duplex frame pipe that joins a transport
// to the application endpoint of one logical connection.
//
// A Pipe carries two frame queues: input (transport -> application) and output
// (application -> transport). Frames keep their boundaries, so a transport can forward
// each one as a websocket message or SSE event, and a zero-length frame can serve
// as an out-of-band wakeup for a transport reader.
package muxpipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ErrClosed is returned by any operation on a pipe that has been disposed
var ErrClosed = errors.New("muxpipe: pipe disposed")

// ErrWriteClosed is returned when writing to a direction that has been completed
var ErrWriteClosed = errors.New("muxpipe: write side closed")

// Duplex is the transport-facing view of a connection's pipe, plus access to the
// application-facing Stream.
type Duplex interface {
	// ReadFrame blocks until the application writes a frame, then returns it. Returns
	// io.EOF after the application has closed its write side and all frames are drained,
	// ErrClosed after Close, or ctx.Err() if ctx is done first.
	ReadFrame(ctx context.Context) ([]byte, error)

	// TryReadFrame returns the next application frame if one is immediately available.
	TryReadFrame() ([]byte, bool)

	// WriteFrame delivers one frame to the application's input.
	WriteFrame(b []byte) error

	// Write implements io.Writer on top of WriteFrame, so request bodies can be copied in.
	Write(b []byte) (int, error)

	// CloseInput completes the application's input; the application reads io.EOF
	// once buffered frames are consumed.
	CloseInput() error

	// Signal queues a zero-length frame toward the transport, waking a pending ReadFrame
	// without ending the stream.
	Signal() error

	// DropSignals discards zero-length frames at the head of the output queue, returning
	// how many were removed. Used when a wakeup outlived the read it was meant for.
	DropSignals() int

	// Close disposes the pipe. All pending and future reads and writes on both sides
	// fail promptly with ErrClosed. Safe to call more than once.
	Close() error

	// Application returns the application-facing side of the pipe.
	Application() Stream

	// OutputComplete reports whether the application has closed its output. Frames
	// written before then may still be waiting for the transport.
	OutputComplete() bool

	// OutputDrained reports whether the application has closed its output and the
	// transport has read every frame.
	OutputDrained() bool

	// BytesIn is the number of bytes delivered to the application so far.
	BytesIn() int64

	// BytesOut is the number of bytes the application has written so far.
	BytesOut() int64
}

// Stream is the application-facing side of a Pipe: a byte stream for Read/Write, with
// frame access for applications that care about message boundaries.
type Stream interface {
	io.ReadWriteCloser

	// ReadFrame returns the next non-empty input frame.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends one frame to the transport.
	WriteFrame(b []byte) error

	// CloseWrite ends the application's output; the transport reads io.EOF.
	CloseWrite() error
}

type frameQueue struct {
	mu       sync.Mutex
	frames   *queue.Queue
	complete bool
	closed   bool
	// changed is closed and replaced whenever the queue's state changes
	changed chan struct{}
	nbytes  atomic.Int64
}

func newFrameQueue() *frameQueue {
	return &frameQueue{
		frames:  queue.New(),
		changed: make(chan struct{}),
	}
}

func (q *frameQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *frameQueue) push(b []byte) error {
	frame := make([]byte, len(b))
	copy(frame, b)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.complete {
		return ErrWriteClosed
	}
	q.frames.Add(frame)
	q.nbytes.Add(int64(len(frame)))
	q.notifyLocked()
	return nil
}

// signal queues an empty frame unless the queue is already finished, in which case
// readers are already guaranteed to wake.
func (q *frameQueue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.complete {
		return
	}
	q.frames.Add([]byte{})
	q.notifyLocked()
}

func (q *frameQueue) dropSignals() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for q.frames.Length() > 0 && len(q.frames.Peek().([]byte)) == 0 {
		q.frames.Remove()
		n++
	}
	return n
}

func (q *frameQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.complete && !q.closed {
		q.complete = true
		q.notifyLocked()
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}
}

// tryPopLocked returns (frame, true, nil) if a frame is ready, (nil, false, err) if the
// queue is finished, and (nil, false, nil) if the caller must wait.
func (q *frameQueue) tryPopLocked() ([]byte, bool, error) {
	if q.closed {
		return nil, false, ErrClosed
	}
	if q.frames.Length() > 0 {
		return q.frames.Remove().([]byte), true, nil
	}
	if q.complete {
		return nil, false, io.EOF
	}
	return nil, false, nil
}

func (q *frameQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		b, ok, err := q.tryPopLocked()
		changed := q.changed
		q.mu.Unlock()
		if ok || err != nil {
			return b, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finished reports whether the queue is complete, and whether it is also empty
func (q *frameQueue) finished() (complete, drained bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete, q.complete && q.frames.Length() == 0
}

func (q *frameQueue) tryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok, _ := q.tryPopLocked()
	return b, ok
}

// Pipe is the standard Duplex implementation.
type Pipe struct {
	input  *frameQueue
	output *frameQueue
	app    *appStream
}

// New creates an open Pipe.
func New() *Pipe {
	p := &Pipe{
		input:  newFrameQueue(),
		output: newFrameQueue(),
	}
	p.app = &appStream{p: p}
	return p
}

// ReadFrame implements Duplex.
func (p *Pipe) ReadFrame(ctx context.Context) ([]byte, error) {
	return p.output.pop(ctx)
}

// TryReadFrame implements Duplex.
func (p *Pipe) TryReadFrame() ([]byte, bool) {
	return p.output.tryPop()
}

// WriteFrame implements Duplex.
func (p *Pipe) WriteFrame(b []byte) error {
	return p.input.push(b)
}

// Write implements Duplex.
func (p *Pipe) Write(b []byte) (int, error) {
	if err := p.input.push(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseInput implements Duplex.
func (p *Pipe) CloseInput() error {
	p.input.finish()
	return nil
}

// Signal implements Duplex.
func (p *Pipe) Signal() error {
	p.output.signal()
	return nil
}

// DropSignals implements Duplex.
func (p *Pipe) DropSignals() int {
	return p.output.dropSignals()
}

// Close implements Duplex.
func (p *Pipe) Close() error {
	p.input.close()
	p.output.close()
	return nil
}

// Application implements Duplex.
func (p *Pipe) Application() Stream {
	return p.app
}

// OutputComplete implements Duplex.
func (p *Pipe) OutputComplete() bool {
	complete, _ := p.output.finished()
	return complete
}

// OutputDrained implements Duplex.
func (p *Pipe) OutputDrained() bool {
	_, drained := p.output.finished()
	return drained
}

// BytesIn implements Duplex.
func (p *Pipe) BytesIn() int64 {
	return p.input.nbytes.Load()
}

// BytesOut implements Duplex.
func (p *Pipe) BytesOut() int64 {
	return p.output.nbytes.Load()
}

type appStream struct {
	p *Pipe

	// readMu serializes Read so leftover stays consistent
	readMu   sync.Mutex
	leftover []byte
}

func (s *appStream) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		b, err := s.p.input.pop(ctx)
		if err != nil || len(b) > 0 {
			return b, err
		}
	}
}

func (s *appStream) Read(b []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if len(b) == 0 {
		return 0, nil
	}
	if len(s.leftover) == 0 {
		frame, err := s.ReadFrame(context.Background())
		if err != nil {
			return 0, err
		}
		s.leftover = frame
	}
	n := copy(b, s.leftover)
	s.leftover = s.leftover[n:]
	return n, nil
}

func (s *appStream) WriteFrame(b []byte) error {
	if len(b) == 0 {
		// empty output frames are reserved for Signal
		return nil
	}
	return s.p.output.push(b)
}

func (s *appStream) Write(b []byte) (int, error) {
	if err := s.WriteFrame(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *appStream) CloseWrite() error {
	s.p.output.finish()
	return nil
}

func (s *appStream) Close() error {
	return s.CloseWrite()
}
