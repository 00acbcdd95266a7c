package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// DefaultChunkIdleTimeout is the longest the proxy waits between
// upstream chunks. There is no cap on total response time; keepalives
// are the upstream's responsibility.
const DefaultChunkIdleTimeout = 60 * time.Second

// streamChunkSize is the read buffer size for upstream bodies.
const streamChunkSize = 32 * 1024

// errStreamIdle aborts a stream whose upstream went quiet.
var errStreamIdle = errors.New("no upstream data within idle timeout")

// errClientGone marks a mid-stream client disconnect; the stream stops
// silently.
var errClientGone = errors.New("client disconnected mid-stream")

type streamChunk struct {
	data []byte
	err  error
}

// streamBody copies body to w chunk by chunk, flushing after every
// write so data reaches the client as it arrives. A blocked upstream
// read is abandoned when no chunk arrives within idleTimeout; ctx
// (the client's request context) cancels the stream on disconnect.
//
// The reader runs in its own goroutine so the idle timer can interrupt
// a read that never returns. Buffers rotate through a small pool: a
// buffer goes back to the reader only after the write completes, so the
// two sides never share bytes.
func streamBody(ctx context.Context, w http.ResponseWriter, body io.Reader, idleTimeout time.Duration) (int64, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultChunkIdleTimeout
	}
	flusher, canFlush := w.(http.Flusher)

	done := make(chan struct{})
	defer close(done)

	bufs := make(chan []byte, 2)
	bufs <- make([]byte, streamChunkSize)
	bufs <- make([]byte, streamChunkSize)

	chunks := make(chan streamChunk)
	go func() {
		for {
			var buf []byte
			select {
			case buf = <-bufs:
			case <-done:
				return
			}
			n, err := body.Read(buf)
			select {
			case chunks <- streamChunk{data: buf[:n], err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var total int64
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case c := <-chunks:
			if len(c.data) > 0 {
				n, werr := w.Write(c.data)
				total += int64(n)
				if werr != nil {
					return total, errClientGone
				}
				if canFlush {
					flusher.Flush()
				}
			}
			if c.err != nil {
				if c.err == io.EOF {
					return total, nil
				}
				return total, c.err
			}
			bufs <- c.data[:cap(c.data)]
			idle.Reset(idleTimeout)
		case <-ctx.Done():
			return total, errClientGone
		case <-idle.C:
			return total, errStreamIdle
		}
	}
}
