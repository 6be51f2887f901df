// SPDX-License-Identifier: MIT

package supervise

import (
	"bytes"
	"io"
	"sync"

	"github.com/devsupd/devsupd/internal/logstore"
)

// consume reads one pipe in bounded chunks until EOF, splitting into lines
// at the producer boundary. The supervised process is never blocked by log
// consumers: appends go to the ring and the ring never pushes back.
func (r *Runner) consume(stream logstore.Stream, pipe io.ReadCloser, m *logstore.ReadyMatcher, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, r.opts.ChunkSize)
	var carry []byte
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			carry = r.ingest(stream, m, carry, buf[:n])
		}
		if err != nil {
			break
		}
	}
	if len(carry) > 0 {
		r.emitLine(stream, m, carry)
	}
}

// ingest walks the chunk for newlines. A line that outgrows one chunk is
// flushed as a partial entry rather than buffered without bound.
func (r *Runner) ingest(stream logstore.Stream, m *logstore.ReadyMatcher, carry, chunk []byte) []byte {
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			carry = append(carry, chunk...)
			if len(carry) >= r.opts.ChunkSize {
				r.emitLine(stream, m, carry)
				carry = carry[:0]
			}
			return carry
		}
		line := chunk[:i]
		if len(carry) > 0 {
			carry = append(carry, line...)
			r.emitLine(stream, m, carry)
			carry = carry[:0]
		} else {
			r.emitLine(stream, m, line)
		}
		chunk = chunk[i+1:]
	}
}

// emitLine appends one line to the log store, feeds the readiness matcher,
// and notes the sequence for event coalescing.
func (r *Runner) emitLine(stream logstore.Stream, m *logstore.ReadyMatcher, line []byte) {
	seq := r.deps.Logs.Append(r.id, stream, r.deps.Clock.Now(), string(line))
	if seq == 0 {
		return
	}
	r.coal.note(seq)
	if m != nil && m.FeedLine(line) {
		r.ready("pattern", 0)
	}
}
