package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBOR implements Marshaler and Unmarshaler on fxamacker/cbor. Time values
// travel as RFC 3339 strings so frames stay readable in wire dumps and
// survive decoders that reject epoch tags.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

func mustCBOR() *CBOR {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBOR{enc: enc, dec: dec}
}

// NewCBOR returns the shared CBOR codec. Modes are immutable and safe for
// concurrent use.
func NewCBOR() *CBOR { return defaultCBOR }

func (c *CBOR) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c *CBOR) NewEncoder(w io.Writer) Encoder { return c.enc.NewEncoder(w) }

func (c *CBOR) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }

func (c *CBOR) NewDecoder(r io.Reader) Decoder { return c.dec.NewDecoder(r) }
