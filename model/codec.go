package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sbl8/planrt/core"
)

const (
	// Magic identifies a planrt program file.
	Magic = "PLRT"
	// Version is the only format version this package reads and writes.
	Version = 1
	// HeaderSize is the fixed size of the file header in bytes.
	HeaderSize = 32
)

// Header is the fixed little-endian prefix of a program file.
//
//	[0:4]   magic "PLRT"
//	[4:6]   version
//	[6:8]   flags
//	[8:12]  table offset
//	[12:16] table length
//	[16:20] segment area offset
//	[20:24] table CRC-32 (IEEE)
//	[24:32] segment area length
type Header struct {
	Version       uint16
	Flags         uint16
	TableOffset   uint32
	TableLength   uint32
	SegmentOffset uint32
	TableCRC      uint32
	SegmentLength uint64
}

// MarshalBinary encodes h into HeaderSize bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.TableOffset)
	binary.LittleEndian.PutUint32(buf[12:16], h.TableLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.SegmentOffset)
	binary.LittleEndian.PutUint32(buf[20:24], h.TableCRC)
	binary.LittleEndian.PutUint64(buf[24:32], h.SegmentLength)
	return buf, nil
}

// UnmarshalBinary decodes a header, checking magic and version.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, got %d", core.ErrMalformedPayload, HeaderSize, len(buf))
	}
	if string(buf[0:4]) != Magic {
		return fmt.Errorf("%w: invalid magic %q", core.ErrMalformedPayload, buf[0:4])
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", core.ErrMalformedPayload, h.Version)
	}
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.TableOffset = binary.LittleEndian.Uint32(buf[8:12])
	h.TableLength = binary.LittleEndian.Uint32(buf[12:16])
	h.SegmentOffset = binary.LittleEndian.Uint32(buf[16:20])
	h.TableCRC = binary.LittleEndian.Uint32(buf[20:24])
	h.SegmentLength = binary.LittleEndian.Uint64(buf[24:32])
	return nil
}

// Verification selects how much integrity checking Parse performs.
type Verification int

const (
	// VerifyMinimal checks the header and table structure.
	VerifyMinimal Verification = iota
	// VerifyChecksum additionally checks the table CRC.
	VerifyChecksum
)

// Program is a parsed program. Segment data is read lazily through the loader.
type Program struct {
	Header Header
	Table  Table
	loader DataLoader
}

// Parse reads and validates a program from loader. The loader must outlive
// the returned Program and everything loaded from it.
func Parse(loader DataLoader, verify Verification) (*Program, error) {
	raw, err := loader.Load(0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var h Header
	if err := h.UnmarshalBinary(raw); err != nil {
		return nil, err
	}

	if uint64(h.SegmentOffset)%core.SegmentAlignment != 0 {
		return nil, fmt.Errorf("%w: segment area offset %d is not aligned", core.ErrMalformedPayload, h.SegmentOffset)
	}
	tableEnd := uint64(h.TableOffset) + uint64(h.TableLength)
	if uint64(h.TableOffset) < HeaderSize || tableEnd > uint64(h.SegmentOffset) {
		return nil, fmt.Errorf("%w: table [%d, %d) overlaps header or segments", core.ErrMalformedPayload, h.TableOffset, tableEnd)
	}

	tableBytes, err := loader.Load(uint64(h.TableOffset), uint64(h.TableLength))
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	if verify >= VerifyChecksum {
		if sum := crc32.ChecksumIEEE(tableBytes); sum != h.TableCRC {
			return nil, fmt.Errorf("%w: table checksum %08x, header says %08x", core.ErrMalformedPayload, sum, h.TableCRC)
		}
	}
	// Make sure the segment area is actually present.
	if _, err := loader.Load(uint64(h.SegmentOffset), h.SegmentLength); err != nil {
		return nil, fmt.Errorf("failed to read segment area: %w", err)
	}

	p := &Program{Header: h, loader: loader}
	if err := msgpack.Unmarshal(tableBytes, &p.Table); err != nil {
		return nil, fmt.Errorf("%w: decoding table: %v", core.ErrMalformedPayload, err)
	}
	if err := p.Table.Validate(h.SegmentLength); err != nil {
		return nil, err
	}
	return p, nil
}

// Segment returns a view of segment i. The bytes alias the loader's memory.
func (p *Program) Segment(i int) ([]byte, error) {
	if i < 0 || i >= len(p.Table.Segments) {
		return nil, fmt.Errorf("%w: segment %d out of range [0, %d)", core.ErrMalformedPayload, i, len(p.Table.Segments))
	}
	s := p.Table.Segments[i]
	return p.loader.Load(uint64(p.Header.SegmentOffset)+s.Offset, s.Size)
}

// MethodNames returns the method names in table order.
func (p *Program) MethodNames() []string {
	names := make([]string, len(p.Table.Methods))
	for i, m := range p.Table.Methods {
		names[i] = m.Name
	}
	return names
}

// Encode serializes a table and its segment contents into a program file.
// segments[i] is the data for table.Segments[i]; offsets are assigned here.
func Encode(table Table, segments [][]byte) ([]byte, error) {
	if len(table.Segments) != len(segments) {
		return nil, fmt.Errorf("%w: %d segment entries for %d segments", core.ErrInvalidArgument, len(table.Segments), len(segments))
	}

	var area bytes.Buffer
	table.Segments = make([]Segment, len(segments))
	for i, data := range segments {
		table.Segments[i] = Segment{Offset: uint64(area.Len()), Size: uint64(len(data))}
		area.Write(core.PadToAlignment(data, core.SegmentAlignment))
	}

	tableBytes, err := msgpack.Marshal(&table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table: %w", err)
	}

	segOffset := core.AlignSegment(HeaderSize + len(tableBytes))
	h := Header{
		Version:       Version,
		TableOffset:   HeaderSize,
		TableLength:   uint32(len(tableBytes)),
		SegmentOffset: uint32(segOffset),
		TableCRC:      crc32.ChecksumIEEE(tableBytes),
		SegmentLength: uint64(area.Len()),
	}
	header, _ := h.MarshalBinary()

	out := core.AlignedBytes(segOffset + area.Len())
	copy(out, header)
	copy(out[HeaderSize:], tableBytes)
	copy(out[segOffset:], area.Bytes())
	return out, nil
}
