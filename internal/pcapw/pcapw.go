// Package pcapw appends captured frames to a classic pcap file.
//
// One file is shared by the capturing ports (outside and inside); the
// writer's mutex keeps each record header and payload pair atomic. Writing uses gopacket's pcapgo,
// which produces the classic format (magic 0xa1b2c3d4, version 2.4,
// Ethernet link type).
package pcapw

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Snaplen matches the receive buffer of the bridge ports; no frame is
// ever truncated, so captured and original length are always equal.
const Snaplen = 4096

// Writer is a serialized pcap file writer safe for use from every
// receive loop. A nil *Writer discards all saves, which lets ports carry
// an optional capture sink without nil checks at every call site.
type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// Create opens (truncating) the capture file at path and writes the file
// header.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", path, err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(Snaplen, layers.LinkTypeEthernet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	return &Writer{f: f, w: w}, nil
}

// Save appends one frame. Errors are returned for the caller to log;
// the writer stays usable.
func (w *Writer) Save(buf []byte) error {
	if w == nil {
		return nil
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buf),
		Length:        len(buf),
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.WritePacket(ci, buf); err != nil {
		return fmt.Errorf("write pcap record: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close capture file: %w", err)
	}
	return nil
}
