package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/opentorque/servergrid/internal/netaddr"
)

// Writer accumulates a single outbound datagram. The encoders in this
// package take a fresh Writer per packet; Writer holds no state beyond its
// byte slice, so Reset also makes reusing one safe.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 512)} }

func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// WriteShortString writes the "short string" wire form: len:u8 + bytes.
func (w *Writer) WriteShortString(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.WriteU8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteLongString writes the "long string" wire form: len:u16 + bytes.
func (w *Writer) WriteLongString(s string) {
	if len(s) > 65535 {
		s = s[:65535]
	}
	w.WriteU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteAdaptiveString picks the short or the dictionary-compressed form
// depending on the request's FlagNoStringCompress bit.
func (w *Writer) WriteAdaptiveString(s string, flags uint8) {
	if flags&FlagNoStringCompress != 0 {
		w.WriteShortString(s)
		return
	}
	c := compressString(s)
	w.WriteU16(uint16(len(c)))
	w.buf = append(w.buf, c...)
}

// WriteHeader writes packetType, flags, and the combined keyField.
func (w *Writer) WriteHeader(t PacketType, flags uint8, keyField uint32) {
	w.WriteU8(uint8(t))
	w.WriteU8(flags)
	w.WriteU32(keyField)
}

func (w *Writer) WriteNetAddress4(a netaddr.NetAddress) {
	w.WriteU8(a.IP[0])
	w.WriteU8(a.IP[1])
	w.WriteU8(a.IP[2])
	w.WriteU8(a.IP[3])
	w.WriteU16(a.Port)
}

// Reader parses a single inbound datagram sequentially. All Read*
// methods return an error rather than panicking so a truncated or
// malformed packet can be dropped by the caller without crashing the
// event loop.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) remaining() int { return len(r.buf) - r.pos }

func (r *Reader) ReadU8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("wire: short read for u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadU16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, fmt.Errorf("wire: short read for u16")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("wire: short read for u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v != 0, err
}

func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("wire: short read for %d raw bytes", n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadRest returns everything not yet consumed; used to peel a forwarded
// inner packet out of a rendezvous wrapper.
func (r *Reader) ReadRest() ([]byte, error) {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b, nil
}

func (r *Reader) ReadShortString() (string, error) {
	n, err := r.ReadU8()
	if err != nil {
		return "", err
	}
	b, err := r.ReadRaw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadLongString() (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := r.ReadRaw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadAdaptiveString(flags uint8) (string, error) {
	if flags&FlagNoStringCompress != 0 {
		return r.ReadShortString()
	}
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := r.ReadRaw(int(n))
	if err != nil {
		return "", err
	}
	return decompressString(b), nil
}

func (r *Reader) ReadHeader() (Header, error) {
	t, err := r.ReadU8()
	if err != nil {
		return Header{}, err
	}
	flags, err := r.ReadU8()
	if err != nil {
		return Header{}, err
	}
	keyField, err := r.ReadU32()
	if err != nil {
		return Header{}, err
	}
	return Header{Type: PacketType(t), Flags: flags, KeyField: keyField}, nil
}

func (r *Reader) ReadNetAddress4() (netaddr.NetAddress, error) {
	var octets [4]byte
	for i := range octets {
		v, err := r.ReadU8()
		if err != nil {
			return netaddr.NetAddress{}, err
		}
		octets[i] = v
	}
	port, err := r.ReadU16()
	if err != nil {
		return netaddr.NetAddress{}, err
	}
	return netaddr.NewIPv4(octets[0], octets[1], octets[2], octets[3], port), nil
}
