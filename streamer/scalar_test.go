package streamer

import (
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversionRules(t *testing.T) {
	t.Run("narrowing keeps low bits", func(t *testing.T) {
		assert.Equal(t, int64(44), signedNum(300).toInt(8))
		assert.Equal(t, int64(-1), signedNum(0xffff).toInt(16))
		assert.Equal(t, uint64(0x34), unsignedNum(0x1234).toUint(8))
	})
	t.Run("signedness reinterprets", func(t *testing.T) {
		assert.Equal(t, uint64(math.MaxUint32), signedNum(-1).toUint(32))
		assert.Equal(t, int64(-1), unsignedNum(math.MaxUint64).toInt(64))
		assert.Equal(t, int64(-128), unsignedNum(128).toInt(8))
	})
	t.Run("float to integer truncates and saturates", func(t *testing.T) {
		assert.Equal(t, int64(-3), floatNum(-3.7).toInt(32))
		assert.Equal(t, int64(3), floatNum(3.99).toInt(16))
		assert.Equal(t, int64(math.MaxInt32), floatNum(1e12).toInt(32))
		assert.Equal(t, int64(math.MinInt8), floatNum(-1e6).toInt(8))
		assert.Equal(t, int64(math.MaxInt64), floatNum(math.Inf(1)).toInt(64))
		assert.Equal(t, int64(0), floatNum(math.NaN()).toInt(32))
		assert.Equal(t, uint64(0), floatNum(-5).toUint(16))
		assert.Equal(t, uint64(math.MaxUint16), floatNum(70000).toUint(16))
		assert.Equal(t, uint64(0), floatNum(math.NaN()).toUint(64))
	})
	t.Run("float64 to float32 rounds to nearest", func(t *testing.T) {
		assert.Equal(t, float32(0.1), floatNum(0.1).toFloat32())
		assert.Equal(t, float32(16777216), signedNum(16777217).toFloat32())
		assert.True(t, math.IsInf(float64(floatNum(1e300).toFloat32()), 1))
	})
	t.Run("bools", func(t *testing.T) {
		assert.Equal(t, int64(1), boolNum(true).toInt(32))
		assert.Equal(t, 0.0, boolNum(false).toFloat64())
		assert.True(t, signedNum(2).toBool())
		assert.True(t, floatNum(0.5).toBool())
		assert.False(t, unsignedNum(0).toBool())
	})
}

func TestNatural(t *testing.T) {
	assert.True(t, natural(memKinds[reflect.Int32], WireInt))
	assert.True(t, natural(memKinds[reflect.Int32], WireCounter))
	assert.False(t, natural(memKinds[reflect.Int32], WireUInt))
	assert.False(t, natural(memKinds[reflect.Float32], WireDouble))
	assert.False(t, natural(memKinds[reflect.Bool], WireBool))
}
