package canon

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// encMode and decMode are built once and shared across the process:
// shortest-form integers, sorted map keys, no indefinite length items,
// no implicit tags.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	modeErr error
	once    sync.Once
)

func modes() (cbor.EncMode, cbor.DecMode, error) {
	once.Do(func() {
		encOpts := cbor.EncOptions{
			Sort:        cbor.SortBytewiseLexical,
			ShortestFloat: cbor.ShortestFloat16,
			NaNConvert:  cbor.NaNConvert7e00,
			InfConvert:  cbor.InfConvertFloat16,
			IndefLength: cbor.IndefLengthForbidden,
			TagsMd:      cbor.TagsForbidden,
			Time:        cbor.TimeRFC3339Nano,
		}
		encMode, modeErr = encOpts.EncMode()
		if modeErr != nil {
			return
		}

		decOpts := cbor.DecOptions{
			DupMapKey:   cbor.DupMapKeyEnforcedAPF,
			IndefLength: cbor.IndefLengthForbidden,
			TagsMd:      cbor.TagsForbidden,
			IntDec:      cbor.IntDecConvertSigned,
			MaxMapPairs: 1 << 20,
			MaxArrayElements: 1 << 20,
			DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		}
		decMode, modeErr = decOpts.DecMode()
	})
	return encMode, decMode, modeErr
}

// Encode produces the canonical-CBOR encoding of v. Maps are sorted by
// their canonical key bytes; two values with equal field content always
// produce identical bytes regardless of input ordering.
func Encode(v interface{}) ([]byte, error) {
	em, _, err := modes()
	if err != nil {
		return nil, fmt.Errorf("canon: build encode mode: %w", err)
	}
	b, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return b, nil
}

// Decode decodes canonical-CBOR bytes into v (typically a pointer to a
// struct or a map[string]interface{}/interface{}).
func Decode(data []byte, v interface{}) error {
	_, dm, err := modes()
	if err != nil {
		return fmt.Errorf("canon: build decode mode: %w", err)
	}
	if err := dm.Unmarshal(data, v); err != nil {
		return fmt.Errorf("canon: decode: %w", err)
	}
	return nil
}

// RoundTrip decodes data into a generic interface{} and re-encodes it,
// verifying the canonical contract: decode(encode(v)) == v for any
// supported value.
func RoundTrip(data []byte) ([]byte, error) {
	var v interface{}
	if err := Decode(data, &v); err != nil {
		return nil, err
	}
	return Encode(v)
}
