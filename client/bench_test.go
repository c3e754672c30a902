package client

import (
	"context"
	"testing"

	"mini-mesh/codec"
	"mini-mesh/registry"
)

func benchStub(b *testing.B, ct codec.CodecType) *Stub {
	mc := registry.NewMemCluster()
	withCodec := func(o *Options) { o.Codec = ct }
	serve(b, mc, withCodec, echoDefinition("bench"))
	caller := serve(b, mc, withCodec)
	stub, err := caller.GetStub(context.Background(), "bench")
	if err != nil {
		b.Fatal(err)
	}
	return stub
}

func BenchmarkSerialCall(b *testing.B) {
	stub := benchStub(b, codec.CodecTypeJSON)
	payload := []byte(`{"a":1,"b":2}`)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := stub.Invoke(context.Background(), "Say", payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelCall(b *testing.B) {
	for _, bc := range []struct {
		name  string
		codec codec.CodecType
	}{
		{"JSON", codec.CodecTypeJSON},
		{"Binary", codec.CodecTypeBinary},
	} {
		b.Run(bc.name, func(b *testing.B) {
			stub := benchStub(b, bc.codec)
			payload := []byte(`{"a":1,"b":2}`)
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					if _, err := stub.Invoke(context.Background(), "Say", payload); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}
