package upload

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Packet flags. A transfer that fits in one packet sets both.
const (
	FlagFirst byte = 1 << iota
	FlagLast
)

const (
	// packetHeaderSize covers the flag byte, the transfer id and the slice count.
	packetHeaderSize = 1 + 16 + 2
	// sliceHeaderSize covers a slice's file id, offset and length.
	sliceHeaderSize = 1 + 4 + 4
	// fileHeaderSize is the fixed part of a manifest entry: name length,
	// file length and checksum.
	fileHeaderSize = 2 + 4 + ChecksumLength
)

// Packet is one message of a transfer.
type Packet struct {
	Transfer uuid.UUID
	Flags    byte
	// Files is the manifest. It is only present in the first packet; only
	// the names, lengths and checksums of its entries are transmitted.
	Files  []*FileUpload
	Slices []FileSlice
}

// First reports whether the packet starts a transfer.
func (p *Packet) First() bool { return p.Flags&FlagFirst != 0 }

// Last reports whether the packet ends a transfer.
func (p *Packet) Last() bool { return p.Flags&FlagLast != 0 }

// manifestSize returns the encoded size of a manifest for files.
func manifestSize(files []*FileUpload) int {
	n := 1
	for _, f := range files {
		n += fileHeaderSize + len(f.Name)
	}
	return n
}

// EncodedSize returns the length of the packet's encoding.
func (p *Packet) EncodedSize() int {
	n := packetHeaderSize
	if p.First() {
		n += manifestSize(p.Files)
	}
	for _, s := range p.Slices {
		n += sliceHeaderSize + len(s.Data)
	}
	return n
}

// AppendEncode appends the packet's encoding to b.
func (p *Packet) AppendEncode(b []byte) []byte {
	b = append(b, p.Flags)
	b = append(b, p.Transfer[:]...)
	if p.First() {
		b = append(b, byte(len(p.Files)))
		for _, f := range p.Files {
			b = binary.BigEndian.AppendUint16(b, uint16(len(f.Name)))
			b = append(b, f.Name...)
			b = binary.BigEndian.AppendUint32(b, uint32(f.Length()))
			b = append(b, f.Checksum[:]...)
		}
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.Slices)))
	for _, s := range p.Slices {
		b = append(b, byte(s.FileID))
		b = binary.BigEndian.AppendUint32(b, uint32(s.Offset))
		b = binary.BigEndian.AppendUint32(b, uint32(len(s.Data)))
		b = append(b, s.Data...)
	}
	return b
}

// Encode returns the packet's encoding.
func (p *Packet) Encode() []byte {
	return p.AppendEncode(make([]byte, 0, p.EncodedSize()))
}

// DecodePacket parses an encoded packet. Slice data is copied out of buf.
// Manifest entries are returned as empty files of the announced length.
func DecodePacket(buf []byte) (*Packet, error) {
	d := decoder{buf: buf}
	p := new(Packet)
	p.Flags = d.byte()
	copy(p.Transfer[:], d.bytes(16))

	if p.First() {
		n := int(d.byte())
		if n > MaxFiles {
			return nil, fmt.Errorf("%w: %d files", ErrMalformed, n)
		}
		total := 0
		for i := 0; i < n && d.err == nil; i++ {
			name := string(d.bytes(int(d.uint16())))
			length := int(d.uint32())
			var sum [ChecksumLength]byte
			copy(sum[:], d.bytes(ChecksumLength))
			total += length
			if d.err == nil && (length > MaxSize || total > MaxSize) {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrTooLarge)
			}
			p.Files = append(p.Files, NewEmpty(name, length, sum))
		}
	}

	n := int(d.uint16())
	for i := 0; i < n && d.err == nil; i++ {
		id := int(d.byte())
		offset := int(d.uint32())
		data := d.bytes(int(d.uint32()))
		if d.err != nil {
			break
		}
		p.Slices = append(p.Slices, FileSlice{
			FileID: id,
			Offset: offset,
			Data:   append([]byte(nil), data...),
		})
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf))
	}
	return p, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("%w: unexpected end of packet", ErrMalformed)
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bytes(n int) []byte {
	return d.take(n)
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
