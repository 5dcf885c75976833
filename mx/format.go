package mx

import (
	"fmt"
	"strconv"

	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Engine keyword parameters are strings, so scalar operator parameters --
// fill values, learning rates, epsilons -- cross the boundary as text. The
// formatting here is lossless: parsing the formatted string back reproduces
// the original value bit for bit. strconv's 'g' format with precision -1
// emits the fewest digits that round-trip.

// formatScalar renders a float64 keyword parameter losslessly.
func formatScalar(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatFloat renders any float losslessly; float32 values get the shorter
// digit strings of the 32-bit round-trip.
func formatFloat[F constraints.Float](v F) string {
	bits := 64
	if _, is32 := any(v).(float32); is32 {
		bits = 32
	}
	return strconv.FormatFloat(float64(v), 'g', -1, bits)
}

// formatElement renders one array element, losslessly for the float types.
func formatElement[T Element](v T) string {
	switch x := any(v).(type) {
	case float16.Float16:
		return formatFloat(x.Float32())
	case float32:
		return formatFloat(x)
	case float64:
		return formatFloat(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	}
	return fmt.Sprintf("%v", v)
}
