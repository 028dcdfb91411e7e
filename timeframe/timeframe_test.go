package timeframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

func testKey(b byte) keys.PublicKey {
	var k keys.PublicKey
	k[0] = b
	return k
}

func TestPartialOrder(t *testing.T) {
	a, b := testKey(1), testKey(2)

	tests := []struct {
		name string
		x, y Timeframe
		want bool
	}{
		{"empty <= empty", New(), New(), true},
		{"empty <= any", New(), New(Entry{a, 3}), true},
		{"missing is below zero", New(Entry{a, 0}), New(), false},
		{"pointwise less", New(Entry{a, 1}, Entry{b, 2}), New(Entry{a, 1}, Entry{b, 3}), true},
		{"one entry greater", New(Entry{a, 2}, Entry{b, 2}), New(Entry{a, 1}, Entry{b, 3}), false},
		{"extra feed in y", New(Entry{a, 1}), New(Entry{a, 1}, Entry{b, 0}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LessOrEqual(tt.x, tt.y))
		})
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a, b, c := testKey(1), testKey(2), testKey(3)
	x := New(Entry{a, 5}, Entry{b, 1})
	y := New(Entry{b, 4}, Entry{c, 0})

	merged := Merge(x, y)
	assert.True(t, merged.Equal(New(Entry{a, 5}, Entry{b, 4}, Entry{c, 0})))
	assert.True(t, LessOrEqual(x, merged))
	assert.True(t, LessOrEqual(y, merged))
}

func TestImmutability(t *testing.T) {
	a := testKey(1)
	base := New(Entry{a, 1})
	next := base.Set(a, 2)

	assert.Equal(t, int64(1), base.Seq(a))
	assert.Equal(t, int64(2), next.Seq(a))
	assert.Equal(t, int64(-1), base.Without(a).Seq(a))
}

func TestDependencies(t *testing.T) {
	a, b := testKey(1), testKey(2)
	deps := Dependencies(New(Entry{a, 3}, Entry{b, 1}), New(Entry{a, 3}))
	assert.True(t, deps.Equal(New(Entry{b, 1})))
	assert.Equal(t, int64(2), deps.TotalMessages())
}

func TestYAML(t *testing.T) {
	a, b := testKey(1), testKey(2)
	tf := New(Entry{a, 3}, Entry{b, 7})

	data, err := yaml.Marshal(tf)
	require.NoError(t, err)

	var decoded Timeframe
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.True(t, tf.Equal(decoded))
}

func TestWireEncoding(t *testing.T) {
	a, b := testKey(1), testKey(2)
	tf := New(Entry{a, 0}, Entry{b, 42})

	decoded, err := Unmarshal(tf.Marshal())
	require.NoError(t, err)
	assert.True(t, tf.Equal(decoded))
	assert.Equal(t, tf.Marshal(), decoded.Marshal())

	empty, err := Unmarshal(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
}
