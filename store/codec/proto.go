package codec

import (
	"github.com/golang/protobuf/proto"
)

// index is the protobuf message stored in an index file:
//
//	message Index { repeated Record versions = 1; }
type index struct {
	Versions []*record `protobuf:"bytes,1,rep,name=versions,proto3"`
}

func (m *index) Reset()         { *m = index{} }
func (m *index) String() string { return proto.CompactTextString(m) }
func (*index) ProtoMessage()    {}

func (m *record) Reset()         { *m = record{} }
func (m *record) String() string { return proto.CompactTextString(m) }
func (*record) ProtoMessage()    {}

type protoPayload struct{}

func (protoPayload) marshal(records []record) ([]byte, error) {
	msg := &index{Versions: make([]*record, len(records))}
	for i := range records {
		msg.Versions[i] = &records[i]
	}
	return proto.Marshal(msg)
}

func (protoPayload) unmarshal(b []byte) ([]record, error) {
	msg := &index{}
	if err := proto.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	records := make([]record, len(msg.Versions))
	for i, r := range msg.Versions {
		records[i] = *r
	}
	return records, nil
}
