package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

type msgpackCodec struct{}

// MsgPack returns the default wire codec.
//
// Decoding into an interface yields map[string]any for maps and int64,
// uint64 or float64 for numbers.
func MsgPack() Codec { return msgpackCodec{} }

func (msgpackCodec) Name() string {
	return "msgpack"
}

func (msgpackCodec) ContentType() string {
	return "application/msgpack"
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
