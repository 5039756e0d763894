package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Kind string    `cbor:"kind"`
	At   time.Time `cbor:"at"`
	X    float64   `cbor:"x"`
}

func TestCBORRoundTrip(t *testing.T) {
	c := NewCBOR()
	in := frame{Kind: "cursor", At: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), X: 12.5}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out frame
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.X, out.X)
	assert.True(t, in.At.Equal(out.At))
}

func TestCBORStreamEncoderDecoder(t *testing.T) {
	c := NewCBOR()
	var buf bytes.Buffer

	enc := c.NewEncoder(&buf)
	require.NoError(t, enc.Encode(frame{Kind: "a", X: 1}))
	require.NoError(t, enc.Encode(frame{Kind: "b", X: 2}))

	dec := c.NewDecoder(&buf)
	var first, second frame
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "a", first.Kind)
	assert.Equal(t, float64(2), second.X)
}
