package runselect

import (
	"encoding/json"
	"math"
)

// toInt64 converts the numeric payload value kinds produced by the
// conditions stores.
func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}

		return int64(x), true
	case float64:
		return int64(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}

		f, err := x.Float64()
		if err != nil {
			return 0, false
		}

		return int64(f), true
	default:
		return 0, false
	}
}
