package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborPayload struct{}

func (cborPayload) marshal(records []record) ([]byte, error) {
	if records == nil {
		records = []record{}
	}
	return encMode.Marshal(records)
}

func (cborPayload) unmarshal(b []byte) ([]record, error) {
	var records []record
	if err := decMode.Unmarshal(b, &records); err != nil {
		return nil, err
	}
	return records, nil
}
