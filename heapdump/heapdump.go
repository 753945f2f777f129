// Package heapdump writes and reads heap snapshots of a gc.Runtime.
//
// A dump is a sequence of records. Every record is a kind byte, a 32-bit
// little endian payload length, the payload and a CRC-16/CCITT-FALSE
// checksum of everything before it in the record. The first record is the
// header, followed by one record per block and one per object.
package heapdump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"

	"github.com/tinygo-org/immixgc/gc"
)

const (
	magic   = "IXGCDUMP"
	version = 1

	kindHeader = 'H'
	kindBlock  = 'B'
	kindObject = 'O'
	kindEnd    = 'E'

	maxPayload = 1 << 16
)

var (
	ErrFormat   = errors.New("heapdump: invalid format")
	ErrChecksum = errors.New("heapdump: checksum mismatch")
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Dump is the content of a heap dump.
type Dump struct {
	Geometry gc.Geometry
	Base     gc.Addr
	Blocks   []gc.BlockInfo
	Objects  []gc.ObjectInfo
}

// Capture takes a dump of the heap of m's runtime. The world is stopped
// while the dump is taken.
func Capture(m *gc.Mutator) *Dump {
	s := m.Snapshot(false)
	return &Dump{
		Geometry: s.Geometry,
		Base:     s.Base,
		Blocks:   s.Blocks,
		Objects:  s.Objects,
	}
}

// LiveBytes returns the total size of the objects in the dump.
func (d *Dump) LiveBytes() uint64 {
	var n uint64
	for _, obj := range d.Objects {
		n += uint64(obj.Size)
	}
	return n
}

type recordWriter struct {
	w   *bufio.Writer
	n   int64
	err error
	buf []byte
}

func (rw *recordWriter) record(kind byte, fields ...uint64) {
	if rw.err != nil {
		return
	}
	rw.buf = rw.buf[:0]
	rw.buf = append(rw.buf, kind)
	rw.buf = binary.LittleEndian.AppendUint32(rw.buf, uint32(8*len(fields)))
	for _, f := range fields {
		rw.buf = binary.LittleEndian.AppendUint64(rw.buf, f)
	}
	rw.buf = binary.LittleEndian.AppendUint16(rw.buf, crc16.Checksum(rw.buf, crcTable))
	n, err := rw.w.Write(rw.buf)
	rw.n += int64(n)
	rw.err = err
}

// WriteTo writes the dump in the record format.
func (d *Dump) WriteTo(w io.Writer) (int64, error) {
	rw := &recordWriter{w: bufio.NewWriter(w)}
	n, err := rw.w.WriteString(magic)
	rw.n, rw.err = int64(n), err
	g := d.Geometry
	rw.record(kindHeader, version, uint64(g.LineSize), uint64(g.LinesPerBlock), uint64(g.Alignment),
		uint64(g.LargeThreshold), uint64(d.Base), uint64(len(d.Blocks)), uint64(len(d.Objects)))
	for _, b := range d.Blocks {
		rw.record(kindBlock, uint64(b.Addr), uint64(b.State), uint64(b.LiveLines), uint64(b.Objects))
	}
	for _, obj := range d.Objects {
		rw.record(kindObject, uint64(obj.Addr), obj.Info, uint64(obj.Size))
	}
	rw.record(kindEnd)
	if rw.err == nil {
		rw.err = rw.w.Flush()
	}
	return rw.n, rw.err
}

type recordReader struct {
	r   *bufio.Reader
	buf []byte
}

// next reads a record and verifies its checksum.
func (rr *recordReader) next() (kind byte, fields []uint64, err error) {
	var head [5]byte
	if _, err := io.ReadFull(rr.r, head[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated record: %v", ErrFormat, err)
	}
	size := binary.LittleEndian.Uint32(head[1:])
	if size%8 != 0 || size > maxPayload {
		return 0, nil, fmt.Errorf("%w: record %q of %d bytes", ErrFormat, head[0], size)
	}
	rr.buf = append(rr.buf[:0], head[:]...)
	rr.buf = append(rr.buf, make([]byte, size+2)...)
	if _, err := io.ReadFull(rr.r, rr.buf[5:]); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated record: %v", ErrFormat, err)
	}
	body := rr.buf[:5+size]
	if sum := binary.LittleEndian.Uint16(rr.buf[5+size:]); sum != crc16.Checksum(body, crcTable) {
		return 0, nil, fmt.Errorf("%w in record %q", ErrChecksum, head[0])
	}
	for off := 5; off < len(body); off += 8 {
		fields = append(fields, binary.LittleEndian.Uint64(body[off:]))
	}
	return head[0], fields, nil
}

func (rr *recordReader) expect(kind byte, nfields int) ([]uint64, error) {
	k, fields, err := rr.next()
	if err != nil {
		return nil, err
	}
	if k != kind || len(fields) != nfields {
		return nil, fmt.Errorf("%w: got record %q with %d fields, want %q with %d", ErrFormat, k, len(fields), kind, nfields)
	}
	return fields, nil
}

// Read parses a dump written by WriteTo. Corrupted records are reported as
// ErrChecksum.
func Read(r io.Reader) (*Dump, error) {
	rr := &recordReader{r: bufio.NewReader(r)}
	var m [len(magic)]byte
	if _, err := io.ReadFull(rr.r, m[:]); err != nil || string(m[:]) != magic {
		return nil, fmt.Errorf("%w: not a heap dump", ErrFormat)
	}
	h, err := rr.expect(kindHeader, 8)
	if err != nil {
		return nil, err
	}
	if h[0] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, h[0])
	}
	d := &Dump{
		Geometry: gc.Geometry{
			LineSize:       uintptr(h[1]),
			LinesPerBlock:  uintptr(h[2]),
			Alignment:      uintptr(h[3]),
			LargeThreshold: uintptr(h[4]),
		},
		Base: gc.Addr(h[5]),
	}
	numBlocks, numObjects := h[6], h[7]
	for i := uint64(0); i < numBlocks; i++ {
		f, err := rr.expect(kindBlock, 4)
		if err != nil {
			return nil, err
		}
		d.Blocks = append(d.Blocks, gc.BlockInfo{
			Addr:      gc.Addr(f[0]),
			State:     gc.BlockState(f[1]),
			LiveLines: int(f[2]),
			Objects:   int(f[3]),
		})
	}
	for i := uint64(0); i < numObjects; i++ {
		f, err := rr.expect(kindObject, 3)
		if err != nil {
			return nil, err
		}
		d.Objects = append(d.Objects, gc.ObjectInfo{Addr: gc.Addr(f[0]), Info: f[1], Size: uintptr(f[2])})
	}
	if _, err := rr.expect(kindEnd, 0); err != nil {
		return nil, err
	}
	return d, nil
}
