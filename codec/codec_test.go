package codec

import (
	"mini-mesh/message"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleMessage() *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: "/demo.Arith/Add",
		Metadata:      message.Metadata{"mesh-route": "R1", "mesh-token": "t"},
		Deadline:      1700000000123456789,
		Payload:       []byte(`{"a":1,"b":2}`),
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}
	originalMsg := sampleMessage()

	data, err := jsonCodec.Encode(originalMsg)
	require.NoError(t, err)

	var decodedMsg message.RPCMessage
	require.NoError(t, jsonCodec.Decode(data, &decodedMsg))
	assert.Equal(t, *originalMsg, decodedMsg)
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	originalMsg := sampleMessage()
	originalMsg.Code = 16
	originalMsg.Error = "bad token"

	data, err := binaryCodec.Encode(originalMsg)
	require.NoError(t, err)

	var decodedMsg message.RPCMessage
	require.NoError(t, binaryCodec.Decode(data, &decodedMsg))
	assert.Equal(t, *originalMsg, decodedMsg)
}

func TestBinaryCodecTruncated(t *testing.T) {
	data, err := (&BinaryCodec{}).Encode(sampleMessage())
	require.NoError(t, err)

	var decoded message.RPCMessage
	err = (&BinaryCodec{}).Decode(data[:len(data)-3], &decoded)
	assert.ErrorIs(t, err, errShortBuffer)
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	_, err := (&BinaryCodec{}).Encode("nope")
	assert.Error(t, err)
}

func TestBinaryCodecProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		msg := &message.RPCMessage{
			ServiceMethod: rapid.StringN(0, 64, -1).Draw(rt, "method"),
			Deadline:      rapid.Int64().Draw(rt, "deadline"),
			Code:          rapid.Uint16().Draw(rt, "code"),
			Error:         rapid.StringN(0, 64, -1).Draw(rt, "error"),
		}
		md := rapid.MapOfN(rapid.StringN(0, 16, -1), rapid.StringN(0, 16, -1), 0, 8).Draw(rt, "metadata")
		if len(md) > 0 {
			msg.Metadata = md
		}
		if payload := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "payload"); len(payload) > 0 {
			msg.Payload = payload
		}

		data, err := (&BinaryCodec{}).Encode(msg)
		if err != nil {
			rt.Fatal(err)
		}
		var out message.RPCMessage
		if err := (&BinaryCodec{}).Decode(data, &out); err != nil {
			rt.Fatal(err)
		}
		assert.Equal(rt, *msg, out)
	})
}

func TestParseCodecType(t *testing.T) {
	ct, err := ParseCodecType("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)
	_, err = ParseCodecType("xml")
	assert.Error(t, err)
}
