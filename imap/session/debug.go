package session

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const debugLiteralWrite = 256 // bytes of a literal to show before eliding the rest

// debugWriter writes a timestamped transcript of a session, skipping
// over the body of long literals. There is no internal buffering: the
// session already batches writes through its own bufio, and reads
// arrive one parsed token at a time, so every Write call here is
// already a reasonably sized chunk.
type debugWriter struct {
	id  string
	log *zap.Logger

	mu         sync.Mutex
	writer     io.Writer
	client     *debugWriterDirectional // what we send
	server     *debugWriterDirectional // what we receive
	lastPrefix string
}

func newDebugWriter(id string, log *zap.Logger, writer io.Writer) *debugWriter {
	w := &debugWriter{id: id, log: log, writer: writer}
	w.client = &debugWriterDirectional{w: w, prefix: "C: "}
	w.server = &debugWriterDirectional{w: w, prefix: "S: "}
	return w
}

type debugWriterDirectional struct {
	w       *debugWriter
	prefix  string
	litHead int
	litSkip int
}

func (w *debugWriterDirectional) literalDataFollows(n int) {
	w.w.mu.Lock()
	defer w.w.mu.Unlock()
	if n < debugLiteralWrite {
		return
	}
	w.litHead = debugLiteralWrite / 2
	litTail := debugLiteralWrite / 2
	w.litSkip = n - w.litHead - litTail
}

func (w *debugWriterDirectional) Write(p []byte) (int, error) {
	w.w.mu.Lock()
	defer w.w.mu.Unlock()

	n := len(p)

	if w.litHead > 0 {
		head := p
		if len(head) > w.litHead {
			head = head[:w.litHead]
		}
		if !w.writeWithPrefix(head) {
			return n, nil
		}
		w.litHead -= len(head)
		p = p[len(head):]
		if w.litHead == 0 {
			fmt.Fprintf(w.w.writer, "\n%s... skipping %d bytes of literal ...\n", w.prefix, w.litSkip)
			w.w.lastPrefix = ""
		}
	}
	if w.litSkip > 0 {
		if len(p) < w.litSkip {
			w.litSkip -= len(p)
			return n, nil
		}
		p = p[w.litSkip:]
		w.litSkip = 0
	}

	w.writeWithPrefix(p)
	return n, nil
}

func (w *debugWriterDirectional) writeWithPrefix(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if w.w.lastPrefix != w.prefix {
		if !w.writePrefix() {
			return false
		}
	}
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i == -1 {
			break
		}
		if !w.write(p[:i+1]) {
			return false
		}
		p = p[i+1:]
		if len(p) == 0 {
			w.w.lastPrefix = ""
			break
		}
		if !w.writePrefix() {
			return false
		}
	}
	if !w.write(p) {
		return false
	}
	return true
}

func (w *debugWriterDirectional) write(p []byte) bool {
	if _, err := w.w.writer.Write(p); err != nil {
		w.w.log.Warn("imap session debug writer failed", zap.String("id", w.w.id), zap.Error(err))
		return false
	}
	return true
}

func (w *debugWriterDirectional) writePrefix() bool {
	w.w.lastPrefix = w.prefix
	b := make([]byte, 0, 32)
	b = time.Now().AppendFormat(b, "15:04:05.000 ")
	b = append(b, w.prefix...)
	if _, err := w.w.writer.Write(b); err != nil {
		w.w.log.Warn("imap session debug writer failed", zap.String("id", w.w.id), zap.Error(err))
		return false
	}
	return true
}
