package mx

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFormatScalar(t *testing.T) {
	require.Equal(t, "0", formatScalar(0))
	require.Equal(t, "0.1", formatScalar(0.1))
	require.Equal(t, "-1.5", formatScalar(-1.5))
	require.Equal(t, "1e+06", formatScalar(1e6))
	require.Equal(t, "+Inf", formatScalar(math.Inf(1)))
	require.Equal(t, "-Inf", formatScalar(math.Inf(-1)))
	require.Equal(t, "NaN", formatScalar(math.NaN()))
}

// Formatted parameters must parse back to the exact value: the engine sees
// strings, and any rounding here would silently change epsilons and
// learning rates.
func TestFormatScalarRoundTrips(t *testing.T) {
	for _, v := range []float64{
		0.1, 1.0 / 3, math.Pi, math.MaxFloat64, math.SmallestNonzeroFloat64,
		-2.5e-7, 1e21, 6.02214076e23,
	} {
		got, err := strconv.ParseFloat(formatScalar(v), 64)
		require.NoError(t, err)
		require.Equal(t, v, got, "value %v reformatted as %q", v, formatScalar(v))
	}
}

func TestFormatFloat32(t *testing.T) {
	// The 32-bit round-trip yields the short digit strings; formatting the
	// widened float64 would not.
	require.Equal(t, "0.1", formatFloat(float32(0.1)))
	require.Equal(t, "0.33333334", formatFloat(float32(1)/3))
	require.Equal(t, "0.10000000149011612", formatFloat(float64(float32(0.1))))

	for _, v := range []float32{0.1, float32(1) / 3, math.MaxFloat32} {
		got, err := strconv.ParseFloat(formatFloat(v), 32)
		require.NoError(t, err)
		require.Equal(t, v, float32(got))
	}
}

func TestFormatElement(t *testing.T) {
	require.Equal(t, "1.5", formatElement(float16.Fromfloat32(1.5)))
	require.Equal(t, "65504", formatElement(float16.Fromfloat32(65504))) // largest half float
	require.Equal(t, "0.25", formatElement(float32(0.25)))
	require.Equal(t, "-3", formatElement(float64(-3)))
	require.Equal(t, "-5", formatElement(int32(-5)))
	require.Equal(t, "9223372036854775807", formatElement(int64(math.MaxInt64)))
	require.Equal(t, "255", formatElement(uint8(255)))
}
