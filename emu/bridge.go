package emu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mklimuk/sensornode"
)

var _ Device = &Bridge{}

// Bridge stands in for a device that lives on a real bus. The command bytes
// of a transaction are buffered and sent together with the read phase as one
// combined transfer; write-only transactions are flushed on stop.
//
// A failed combined transfer NACKs the read address, so the engine retries
// it as a plain read, which is how sensors without clock stretching are polled.
type Bridge struct {
	mx      sync.Mutex
	tx      sensornode.Transactor
	addr    uint16
	write   []byte
	read    []byte
	size    int
	lastErr error
}

func NewBridge(tx sensornode.Transactor, addr byte) *Bridge {
	return &Bridge{tx: tx, addr: uint16(addr)}
}

func (b *Bridge) SizeRead(n int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.size = n
}

func (b *Bridge) Begin(read bool) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !read {
		b.write = b.write[:0]
		return true
	}
	if b.size <= 0 {
		b.lastErr = fmt.Errorf("bridge %#x: read of unknown size", b.addr)
		return false
	}
	buf := make([]byte, b.size)
	err := b.tx.Tx(b.addr, b.write, buf)
	// the command went out either way; a retry is a plain read
	b.write = b.write[:0]
	if err != nil {
		b.lastErr = err
		slog.Debug("bridged read rejected", "addr", b.addr, "error", err)
		return false
	}
	b.read = buf
	return true
}

func (b *Bridge) Write(v byte) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.write = append(b.write, v)
	return true
}

func (b *Bridge) Next() byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	return pop(&b.read)
}

func (b *Bridge) End() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.read = nil
	if len(b.write) == 0 {
		return
	}
	w := b.write
	b.write = nil
	if err := b.tx.Tx(b.addr, w, nil); err != nil {
		b.lastErr = err
		slog.Warn("bridged write failed", "addr", b.addr, "error", err)
	}
}

// LastErr returns the last error reported by the underlying bus.
func (b *Bridge) LastErr() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.lastErr
}
