package goengine

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/gomlx/gomx/types/xslices"
)

// podNumber are the Go plain-old-data element types the engine computes with
// directly. Float16 has no native Go arithmetic and is staged through
// float32.
type podNumber interface {
	float32 | float64 | int32 | int64 | uint8
}

// podFloat are the native Go floating-point element types.
type podFloat interface {
	float32 | float64
}

func f16ToF32(dst []float32, src []float16.Float16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

func f32ToF16(dst []float16.Float16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
}

// scalarOpCode selects the elementwise scalar kernel.
type scalarOpCode int

const (
	scalarSet  scalarOpCode = iota // dst[i] = s
	scalarAdd                      // dst[i] = src[i] + s
	scalarSub                      // dst[i] = src[i] - s
	scalarRSub                     // dst[i] = s - src[i]
	scalarMul                      // dst[i] = src[i] * s
	scalarDiv                      // dst[i] = src[i] / s
)

func scalarKernel[T podNumber](dst, src []T, s T, code scalarOpCode) {
	switch code {
	case scalarSet:
		xslices.FillSlice(dst, s)
	case scalarAdd:
		for i := range dst {
			dst[i] = src[i] + s
		}
	case scalarSub:
		for i := range dst {
			dst[i] = src[i] - s
		}
	case scalarRSub:
		for i := range dst {
			dst[i] = s - src[i]
		}
	case scalarMul:
		for i := range dst {
			dst[i] = src[i] * s
		}
	case scalarDiv:
		for i := range dst {
			dst[i] = src[i] / s
		}
	}
}

// dispatchScalarOp applies the scalar kernel for any supported dtype. src
// and dst may be the same slice; for scalarSet src is ignored and may be
// nil.
func (e *Engine) dispatchScalarOp(dtype dtypes.DType, dst, src any, scalar float64, code scalarOpCode) error {
	if code == scalarSet {
		src = dst
	}
	switch dtype {
	case dtypes.Float32:
		scalarKernel(dst.([]float32), src.([]float32), float32(scalar), code)
	case dtypes.Float64:
		scalarKernel(dst.([]float64), src.([]float64), scalar, code)
	case dtypes.Int32:
		scalarKernel(dst.([]int32), src.([]int32), int32(scalar), code)
	case dtypes.Int64:
		scalarKernel(dst.([]int64), src.([]int64), int64(scalar), code)
	case dtypes.Uint8:
		scalarKernel(dst.([]uint8), src.([]uint8), uint8(scalar), code)
	case dtypes.Float16:
		dstF16 := dst.([]float16.Float16)
		work := e.getFlat(dtypes.Float32, len(dstF16)).([]float32)
		defer e.putFlat(dtypes.Float32, work)
		if code != scalarSet {
			f16ToF32(work, src.([]float16.Float16))
		}
		scalarKernel(work, work, float32(scalar), code)
		f32ToF16(dstF16, work)
	default:
		return errors.Errorf("engine (%s) has no scalar kernel for dtype %s", EngineName, dtype)
	}
	return nil
}

// binOpCode selects the elementwise binary kernel.
type binOpCode int

const (
	binAdd binOpCode = iota
	binSub
	binMul
	binDiv
	binMax
)

func binOpFor[T podNumber](code binOpCode) func(T, T) T {
	switch code {
	case binAdd:
		return func(x, y T) T { return x + y }
	case binSub:
		return func(x, y T) T { return x - y }
	case binMul:
		return func(x, y T) T { return x * y }
	case binDiv:
		return func(x, y T) T { return x / y }
	case binMax:
		return func(x, y T) T { return max(x, y) }
	}
	return nil
}

// broadcastStrides returns, per result axis, how many elements to advance in
// the operand's flat storage when that result axis advances by one. Axes the
// operand broadcasts over get stride 0. The operand must either be the unit
// shape [1] -- a single element that never advances -- or have the rank of
// the result.
func broadcastStrides(opDims, resultDims []int) []int {
	strides := make([]int, len(resultDims))
	if len(opDims) == 1 && opDims[0] == 1 {
		return strides
	}
	stride := 1
	for axis := len(opDims) - 1; axis >= 0; axis-- {
		if opDims[axis] == resultDims[axis] {
			strides[axis] = stride
		}
		stride *= opDims[axis]
	}
	return strides
}

// broadcastBinaryKernel evaluates dst[i] = a⊙b elementwise over the result
// dimensions, reading the operands through broadcast strides so that the
// expansion is never materialized. dst may alias an operand of the same
// shape: every element reads its operands before it is written.
func broadcastBinaryKernel[T podNumber](dst, a, b []T, resDims, aStrides, bStrides []int, code binOpCode) {
	op := binOpFor[T](code)
	idx := make([]int, len(resDims))
	ai, bi := 0, 0
	for di := range dst {
		dst[di] = op(a[ai], b[bi])
		for axis := len(resDims) - 1; axis >= 0; axis-- {
			idx[axis]++
			ai += aStrides[axis]
			bi += bStrides[axis]
			if idx[axis] < resDims[axis] {
				break
			}
			idx[axis] = 0
			ai -= aStrides[axis] * resDims[axis]
			bi -= bStrides[axis] * resDims[axis]
		}
	}
}

// dispatchBroadcastBinary applies the broadcast binary kernel for any
// supported dtype.
func (e *Engine) dispatchBroadcastBinary(dtype dtypes.DType, dst, a, b any, resDims, aStrides, bStrides []int, code binOpCode) error {
	switch dtype {
	case dtypes.Float32:
		broadcastBinaryKernel(dst.([]float32), a.([]float32), b.([]float32), resDims, aStrides, bStrides, code)
	case dtypes.Float64:
		broadcastBinaryKernel(dst.([]float64), a.([]float64), b.([]float64), resDims, aStrides, bStrides, code)
	case dtypes.Int32:
		broadcastBinaryKernel(dst.([]int32), a.([]int32), b.([]int32), resDims, aStrides, bStrides, code)
	case dtypes.Int64:
		broadcastBinaryKernel(dst.([]int64), a.([]int64), b.([]int64), resDims, aStrides, bStrides, code)
	case dtypes.Uint8:
		broadcastBinaryKernel(dst.([]uint8), a.([]uint8), b.([]uint8), resDims, aStrides, bStrides, code)
	case dtypes.Float16:
		aF16, bF16, dstF16 := a.([]float16.Float16), b.([]float16.Float16), dst.([]float16.Float16)
		aWork := e.getFlat(dtypes.Float32, len(aF16)).([]float32)
		defer e.putFlat(dtypes.Float32, aWork)
		bWork := e.getFlat(dtypes.Float32, len(bF16)).([]float32)
		defer e.putFlat(dtypes.Float32, bWork)
		dstWork := e.getFlat(dtypes.Float32, len(dstF16)).([]float32)
		defer e.putFlat(dtypes.Float32, dstWork)
		f16ToF32(aWork, aF16)
		f16ToF32(bWork, bF16)
		broadcastBinaryKernel(dstWork, aWork, bWork, resDims, aStrides, bStrides, code)
		f32ToF16(dstF16, dstWork)
	default:
		return errors.Errorf("engine (%s) has no binary kernel for dtype %s", EngineName, dtype)
	}
	return nil
}

// gemm computes c = a·b with optional transposes through gonum's BLAS.
// Logical dimensions after transposition: a is [m,k], b is [k,n], c is
// [m,n]; transA/transB say the corresponding slice stores the transpose.
func gemm[F podFloat](transA, transB bool, m, k, n int, a, b, c []F) {
	switch aTyped := any(a).(type) {
	case []float32:
		gemm32(transA, transB, m, k, n, aTyped, any(b).([]float32), any(c).([]float32))
	case []float64:
		gemm64(transA, transB, m, k, n, aTyped, any(b).([]float64), any(c).([]float64))
	}
}

func gemm32(transA, transB bool, m, k, n int, a, b, c []float32) {
	ta, aRows, aCols := blas.NoTrans, m, k
	if transA {
		ta, aRows, aCols = blas.Trans, k, m
	}
	tb, bRows, bCols := blas.NoTrans, k, n
	if transB {
		tb, bRows, bCols = blas.Trans, n, k
	}
	blas32.Gemm(ta, tb, 1,
		blas32.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}

func gemm64(transA, transB bool, m, k, n int, a, b, c []float64) {
	ta, aRows, aCols := blas.NoTrans, m, k
	if transA {
		ta, aRows, aCols = blas.Trans, k, m
	}
	tb, bRows, bCols := blas.NoTrans, k, n
	if transB {
		tb, bRows, bCols = blas.Trans, n, k
	}
	blas64.Gemm(ta, tb, 1,
		blas64.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas64.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		0,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: c})
}

// The kernels below back the symbolic graph evaluation. They work on flat
// compute-dtype slices; the numerics interface in eval.go dispatches to
// them.

func axpyKernel[F podFloat](alpha float64, x, y []F) {
	a := F(alpha)
	for i, v := range x {
		y[i] += a * v
	}
}

// colSumKernel reduces src viewed as [rows, cols] over the rows:
// dst[j] = Σ_i src[i,j].
func colSumKernel[F podFloat](dst, src []F, rows, cols int) {
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < rows; i++ {
		row := src[i*cols : (i+1)*cols]
		for j, v := range row {
			dst[j] += v
		}
	}
}

// addRowVectorKernel adds vec to every row of dst viewed as [rows, cols].
func addRowVectorKernel[F podFloat](dst, vec []F, rows, cols int) {
	for i := 0; i < rows; i++ {
		row := dst[i*cols : (i+1)*cols]
		for j := range row {
			row[j] += vec[j]
		}
	}
}

// actKind selects the activation function.
type actKind int

const (
	actRelu actKind = iota
	actSigmoid
	actTanh
	actSoftRelu
)

func actKindFor(name string) (actKind, error) {
	switch name {
	case "relu":
		return actRelu, nil
	case "sigmoid":
		return actSigmoid, nil
	case "tanh":
		return actTanh, nil
	case "softrelu":
		return actSoftRelu, nil
	}
	return 0, errors.Errorf("unknown activation type %q, need one of relu, sigmoid, tanh, softrelu", name)
}

func actForwardKernel[F podFloat](kind actKind, dst, src []F) {
	switch kind {
	case actRelu:
		for i, v := range src {
			dst[i] = max(v, 0)
		}
	case actSigmoid:
		for i, v := range src {
			dst[i] = F(1 / (1 + math.Exp(-float64(v))))
		}
	case actTanh:
		for i, v := range src {
			dst[i] = F(math.Tanh(float64(v)))
		}
	case actSoftRelu:
		for i, v := range src {
			dst[i] = F(math.Log1p(math.Exp(float64(v))))
		}
	}
}

// actBackwardKernel computes the input gradient of an activation from its
// output gradient and its own output. Every supported activation has a
// derivative expressible in terms of the output alone.
func actBackwardKernel[F podFloat](kind actKind, dst, outGrad, out []F) {
	switch kind {
	case actRelu:
		for i, g := range outGrad {
			if out[i] > 0 {
				dst[i] = g
			} else {
				dst[i] = 0
			}
		}
	case actSigmoid:
		for i, g := range outGrad {
			dst[i] = g * out[i] * (1 - out[i])
		}
	case actTanh:
		for i, g := range outGrad {
			dst[i] = g * (1 - out[i]*out[i])
		}
	case actSoftRelu:
		for i, g := range outGrad {
			dst[i] = g * F(1-math.Exp(-float64(out[i])))
		}
	}
}

// softmaxKernel computes row-wise softmax of src viewed as [rows, cols],
// with the usual max subtraction for numerical stability.
func softmaxKernel[F podFloat](dst, src []F, rows, cols int) {
	for i := 0; i < rows; i++ {
		in := src[i*cols : (i+1)*cols]
		out := dst[i*cols : (i+1)*cols]
		m := in[0]
		for _, v := range in[1:] {
			m = max(m, v)
		}
		var sum float64
		for j, v := range in {
			e := math.Exp(float64(v - m))
			out[j] = F(e)
			sum += e
		}
		for j := range out {
			out[j] = F(float64(out[j]) / sum)
		}
	}
}

// softmaxGradKernel writes prob - onehot(label) into dst, row by row,
// zeroing the rows whose label equals the ignored one. It returns the
// number of rows that counted.
func softmaxGradKernel[F podFloat](dst, prob, label []F, rows, cols int, ignore float64, useIgnore bool) int {
	valid := 0
	for i := 0; i < rows; i++ {
		row := dst[i*cols : (i+1)*cols]
		lbl := float64(label[i])
		if useIgnore && lbl == ignore {
			for j := range row {
				row[j] = 0
			}
			continue
		}
		valid++
		copy(row, prob[i*cols:(i+1)*cols])
		if cls := int(lbl); cls >= 0 && cls < cols {
			row[cls] -= 1
		}
	}
	return valid
}

// The batch normalization kernels view the input as [n, c, m]: n batch
// rows, c channels, m elements per channel and row.

func bnStatsKernel[F podFloat](src []F, n, c, m int, mean, variance []F) {
	count := float64(n * m)
	for ch := 0; ch < c; ch++ {
		var sum float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * m
			for j := 0; j < m; j++ {
				sum += float64(src[base+j])
			}
		}
		mu := sum / count
		var sq float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * m
			for j := 0; j < m; j++ {
				d := float64(src[base+j]) - mu
				sq += d * d
			}
		}
		mean[ch] = F(mu)
		variance[ch] = F(sq / count)
	}
}

func bnInvStdKernel[F podFloat](dst, variance []F, eps float64) {
	for i, v := range variance {
		dst[i] = F(1 / math.Sqrt(float64(v)+eps))
	}
}

func bnNormalizeKernel[F podFloat](dst, src []F, n, c, m int, mean, invStd, gamma, beta []F) {
	for ch := 0; ch < c; ch++ {
		mu, s, g, b := mean[ch], invStd[ch], gamma[ch], beta[ch]
		for i := 0; i < n; i++ {
			base := (i*c + ch) * m
			for j := 0; j < m; j++ {
				dst[base+j] = g*(src[base+j]-mu)*s + b
			}
		}
	}
}

// bnBackwardKernel computes the batch normalization gradients from the
// batch statistics the forward pass saved. Per channel, with x̂ the
// normalized input and s the inverse standard deviation:
//
//	dγ = Σ g·x̂,  dβ = Σ g,  dx = γ·s·(g - (dβ + x̂·dγ)/count)
func bnBackwardKernel[F podFloat](dx, dGamma, dBeta, outGrad, src []F, n, c, m int, mean, invStd, gamma []F) {
	count := float64(n * m)
	for ch := 0; ch < c; ch++ {
		mu, s, g := float64(mean[ch]), float64(invStd[ch]), float64(gamma[ch])
		var sumG, sumGX float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * m
			for j := 0; j < m; j++ {
				gd := float64(outGrad[base+j])
				xhat := (float64(src[base+j]) - mu) * s
				sumG += gd
				sumGX += gd * xhat
			}
		}
		dGamma[ch] = F(sumGX)
		dBeta[ch] = F(sumG)
		scale := g * s
		for i := 0; i < n; i++ {
			base := (i*c + ch) * m
			for j := 0; j < m; j++ {
				gd := float64(outGrad[base+j])
				xhat := (float64(src[base+j]) - mu) * s
				dx[base+j] = F(scale * (gd - (sumG+xhat*sumGX)/count))
			}
		}
	}
}
