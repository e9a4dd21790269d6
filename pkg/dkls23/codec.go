package dkls23

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dkls23: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 12,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("dkls23: cbor decoder: %v", err))
	}
}

// Marshal encodes v in canonical CBOR. Payloads, opaque state and key shares
// all go through this codec so that byte-level comparison of fragments is
// meaningful across parties.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR produced by Marshal. Duplicate map keys
// are rejected.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
