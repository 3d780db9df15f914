// Package codec encodes the ordered list of version descriptors kept in an
// index file.
//
// Every encoding is wrapped in the same frame:
//
//	magic "ATIX" | format (1 byte) | HighwayHash-64 of payload (8 bytes) | payload
//
// so damaged files are detected before the payload is parsed, and an index
// written in one format can be read by a store configured with another.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/digest"
)

// Codec must round-trip every descriptor field exactly. Decode failures are
// CorruptMetadata errors.
type Codec interface {
	Name() string
	Encode([]store.VersionDescriptor) ([]byte, error)
	Decode([]byte) ([]store.VersionDescriptor, error)
}

const (
	magic      = "ATIX"
	headerSize = len(magic) + 1 + 8

	formatProto byte = 1
	formatCBOR  byte = 2
)

// payloadCodec is the part of a Codec that differs between formats.
type payloadCodec interface {
	marshal(records []record) ([]byte, error)
	unmarshal(b []byte) ([]record, error)
}

var payloads = map[byte]payloadCodec{
	formatProto: protoPayload{},
	formatCBOR:  cborPayload{},
}

type framed struct {
	name   string
	format byte
}

// Proto encodes descriptors as protocol buffers. It is the default.
func Proto() Codec {
	return framed{name: "proto", format: formatProto}
}

// CBOR encodes descriptors with CBOR core deterministic encoding.
func CBOR() Codec {
	return framed{name: "cbor", format: formatCBOR}
}

func ByName(name string) (Codec, error) {
	switch name {
	case "", "proto":
		return Proto(), nil
	case "cbor":
		return CBOR(), nil
	default:
		return nil, fmt.Errorf("unknown metadata codec %q", name)
	}
}

func (c framed) Name() string {
	return c.name
}

func (c framed) Encode(ds []store.VersionDescriptor) ([]byte, error) {
	records := make([]record, len(ds))
	for i, d := range ds {
		if err := d.CheckText(); err != nil {
			return nil, fmt.Errorf("encoding %s index: %w", c.name, err)
		}
		records[i] = toRecord(d)
	}
	payload, err := payloads[c.format].marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding %s index: %w", c.name, err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(payload)))
	buf.WriteString(magic)
	buf.WriteByte(c.format)
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], digest.Sum(payload))
	buf.Write(sum[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

func (c framed) Decode(b []byte) ([]store.VersionDescriptor, error) {
	if len(b) < headerSize || string(b[:len(magic)]) != magic {
		return nil, corrupt(fmt.Errorf("missing index header"))
	}
	format := b[len(magic)]
	p, ok := payloads[format]
	if !ok {
		return nil, corrupt(fmt.Errorf("unknown index format %d", format))
	}
	payload := b[headerSize:]
	if binary.BigEndian.Uint64(b[len(magic)+1:headerSize]) != digest.Sum(payload) {
		return nil, corrupt(fmt.Errorf("index checksum mismatch"))
	}

	records, err := p.unmarshal(payload)
	if err != nil {
		return nil, corrupt(err)
	}
	ds := make([]store.VersionDescriptor, len(records))
	for i, r := range records {
		ds[i] = r.descriptor()
	}
	return ds, nil
}

func corrupt(err error) error {
	return store.NewError(store.CorruptMetadata, "decode index", store.Identity{}, "", err)
}

// record is the wire form of a descriptor shared by all formats.
type record struct {
	Version  string `protobuf:"bytes,1,opt,name=version,proto3" cbor:"1,keyasint,omitempty"`
	Author   string `protobuf:"bytes,2,opt,name=author,proto3" cbor:"2,keyasint,omitempty"`
	Seconds  int64  `protobuf:"varint,3,opt,name=seconds,proto3" cbor:"3,keyasint,omitempty"`
	Nanos    int32  `protobuf:"varint,4,opt,name=nanos,proto3" cbor:"4,keyasint,omitempty"`
	Comment  string `protobuf:"bytes,5,opt,name=comment,proto3" cbor:"5,keyasint,omitempty"`
	Size     int64  `protobuf:"varint,6,opt,name=size,proto3" cbor:"6,keyasint,omitempty"`
	Checksum string `protobuf:"bytes,7,opt,name=checksum,proto3" cbor:"7,keyasint,omitempty"`
	Encoding string `protobuf:"bytes,8,opt,name=encoding,proto3" cbor:"8,keyasint,omitempty"`
}

func toRecord(d store.VersionDescriptor) record {
	return record{
		Version:  d.Version,
		Author:   d.Author,
		Seconds:  d.Date.Unix(),
		Nanos:    int32(d.Date.Nanosecond()),
		Comment:  d.Comment,
		Size:     d.Size,
		Checksum: d.Checksum,
		Encoding: string(d.Encoding),
	}
}

// descriptor converts back. Dates come back in UTC.
func (r record) descriptor() store.VersionDescriptor {
	return store.VersionDescriptor{
		Version:  r.Version,
		Author:   r.Author,
		Date:     time.Unix(r.Seconds, int64(r.Nanos)).UTC(),
		Comment:  r.Comment,
		Size:     r.Size,
		Checksum: r.Checksum,
		Encoding: store.Encoding(r.Encoding),
	}
}
