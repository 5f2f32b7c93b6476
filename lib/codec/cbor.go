// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so one job
// value always produces the same message body.
var encMode cbor.EncMode

// decMode rejects duplicate map keys and decodes free-form maps as
// map[string]any.
var decMode cbor.DecMode

func init() {
	options := cbor.CoreDetEncOptions()
	// job.Kind and similar enums travel as their text names.
	options.TextMarshaler = cbor.TextMarshalerTextString

	var err error
	encMode, err = options.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose renders data in CBOR diagnostic notation (RFC 8949 §8).
// mirrorctl uses it to print queue payloads that fail to decode.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
