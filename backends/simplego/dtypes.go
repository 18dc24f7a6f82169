package simplego

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// SupportedDTypes lists the dtypes the SimpleGo backend can build and execute ops for.
var SupportedDTypes = []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64}

func isSupportedDType(dtype dtypes.DType) bool {
	return slices.Contains(SupportedDTypes, dtype)
}

// floatConstraints are the native Go float types supported.
type floatConstraints interface {
	constraints.Float
}

// intConstraints are the native Go integer types supported.
type intConstraints interface {
	~int32 | ~int64
}

// supportedTypesConstraints enumerates the Go types used as flat data by SimpleGo buffers.
type supportedTypesConstraints interface {
	floatConstraints | intConstraints | float16.Float16
}
