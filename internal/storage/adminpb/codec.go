package adminpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces grpc's default protobuf wire codec with plain JSON, so
// the admin service's messages can be ordinary Go structs instead of
// protoc-generated types. It registers under the name "proto" — the name
// grpc's transport negotiates when a call sets no content-subtype — so both
// RegisterAdminServer and NewAdminClient work without any extra dial/serve
// options once this package is imported for its side effect.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
