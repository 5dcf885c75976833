package goengine

import (
	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types/shapes"
	"github.com/pkg/errors"
)

// The symbolic operators: graph nodes with shape inference, a forward
// kernel and a backward kernel. They run on floating-point dtypes.

func init() {
	registerOp(&opDef{
		name:        "FullyConnected",
		description: "Linear transformation Y = X·Wᵀ + b, with X flattened to [batch, features].",
		argNames:    []string{"data", "weight", "bias"},
		argDescriptions: []string{
			"Input data.", "Weight matrix of shape [num_hidden, features].", "Bias of shape [num_hidden]; omitted with no_bias=True.",
		},
		inferShape: fcInferShape,
		forward:    fcForward,
		backward:   fcBackward,
	})
	registerOp(&opDef{
		name:            "Activation",
		description:     "Elementwise activation selected by the \"act_type\" keyword: relu, sigmoid, tanh or softrelu.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Input data."},
		inferShape:      activationInferShape,
		forward:         activationForward,
		backward:        activationBackward,
	})
	registerOp(&opDef{
		name:        "SoftmaxOutput",
		description: "Row-wise softmax over the input; as a loss its gradient is softmax minus the one-hot label.",
		argNames:    []string{"data", "label"},
		argDescriptions: []string{
			"Scores of shape [batch, classes].", "Class indices of shape [batch].",
		},
		loss:       true,
		inferShape: softmaxOutputInferShape,
		forward:    softmaxOutputForward,
		backward:   softmaxOutputBackward,
	})
	registerOp(&opDef{
		name:        "LinearRegressionOutput",
		description: "Identity output; as a loss its gradient is the prediction minus the label, times grad_scale.",
		argNames:    []string{"data", "label"},
		argDescriptions: []string{
			"Predictions.", "Regression targets of the same shape.",
		},
		loss:       true,
		inferShape: regressionInferShape,
		forward:    regressionForward,
		backward:   regressionBackward,
	})
	registerOp(&opDef{
		name:        "BatchNorm",
		description: "Batch normalization over axis 1, with moving statistics kept as auxiliary states.",
		argNames:    []string{"data", "gamma", "beta"},
		argDescriptions: []string{
			"Input of shape [batch, channels, ...].", "Per-channel scale.", "Per-channel shift.",
		},
		auxNames:   []string{"moving_mean", "moving_var"},
		inferShape: batchNormInferShape,
		forward:    batchNormForward,
		backward:   batchNormBackward,
	})
	registerOp(&opDef{
		name:            "dot",
		description:     "Matrix product of two rank-2 inputs, with optional transposes.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		inferShape:      dotInferShape,
		forward:         dotForward,
		backward:        dotBackward,
	})
	registerOp(&opDef{
		name:            "elemwise_add",
		description:     "Elementwise sum of two equal-shaped inputs.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		inferShape:      ewiseInferShape,
		forward:         ewiseForward(binAdd),
		backward:        ewiseBackward(binAdd),
	})
	registerOp(&opDef{
		name:            "elemwise_sub",
		description:     "Elementwise difference of two equal-shaped inputs.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		inferShape:      ewiseInferShape,
		forward:         ewiseForward(binSub),
		backward:        ewiseBackward(binSub),
	})
	registerOp(&opDef{
		name:            "elemwise_mul",
		description:     "Elementwise product of two equal-shaped inputs.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		inferShape:      ewiseInferShape,
		forward:         ewiseForward(binMul),
		backward:        ewiseBackward(binMul),
	})
	registerOp(&opDef{
		name:            "elemwise_div",
		description:     "Elementwise quotient of two equal-shaped inputs.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		inferShape:      ewiseInferShape,
		forward:         ewiseForward(binDiv),
		backward:        ewiseBackward(binDiv),
	})
}

// FullyConnected

// fcDims is the [batch, features] view FullyConnected flattens its data to.
func fcDims(data shapes.Shape) (batch, features int) {
	batch = data.Dimensions[0]
	return batch, data.Size() / batch
}

func fcInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	numHidden, err := at.int("num_hidden", 0)
	if err != nil {
		return shapes.Invalid(), nil, err
	}
	if numHidden <= 0 {
		return shapes.Invalid(), nil, errors.Errorf("keyword \"num_hidden\" must be a positive integer")
	}
	noBias, err := at.bool("no_bias", false)
	if err != nil {
		return shapes.Invalid(), nil, err
	}
	want := 3
	if noBias {
		want = 2
	}
	if len(in) != want {
		return shapes.Invalid(), nil, errors.Errorf("FullyConnected with no_bias=%v takes %d inputs, got %d", noBias, want, len(in))
	}
	data := in[0]
	if data.Rank() < 2 {
		return shapes.Invalid(), nil, errors.Errorf("data must have rank at least 2, got shape %s", data)
	}
	batch, features := fcDims(data)
	wantWeight := shapes.Make(data.DType, numHidden, features)
	if !in[1].Equal(wantWeight) {
		return shapes.Invalid(), nil, errors.Errorf("weight must have shape %s, got %s", wantWeight, in[1])
	}
	if !noBias {
		wantBias := shapes.Make(data.DType, numHidden)
		if !in[2].Equal(wantBias) {
			return shapes.Invalid(), nil, errors.Errorf("bias must have shape %s, got %s", wantBias, in[2])
		}
	}
	return shapes.Make(data.DType, batch, numHidden), nil, nil
}

func fcForward(ev *evaluation, nd *node, in []value, out value) error {
	batch, features := fcDims(in[0].shape)
	hidden := out.shape.Dimensions[1]
	ev.nums.gemm(false, true, batch, features, hidden, in[0].flat, in[1].flat, out.flat)
	if len(in) > 2 {
		ev.nums.addRowVector(out.flat, in[2].flat, batch, hidden)
	}
	return nil
}

func fcBackward(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	batch, features := fcDims(in[0].shape)
	hidden := out.shape.Dimensions[1]
	if inGrads[0].wanted() {
		ev.nums.gemm(false, false, batch, hidden, features, outGrad.flat, in[1].flat, inGrads[0].flat)
	}
	if inGrads[1].wanted() {
		ev.nums.gemm(true, false, hidden, batch, features, outGrad.flat, in[0].flat, inGrads[1].flat)
	}
	if len(inGrads) > 2 && inGrads[2].wanted() {
		ev.nums.colSum(inGrads[2].flat, outGrad.flat, batch, hidden)
	}
	return nil
}

// Activation

func activationInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	if _, err := actKindFor(at.str("act_type", "")); err != nil {
		return shapes.Invalid(), nil, err
	}
	if len(in) != 1 {
		return shapes.Invalid(), nil, errors.Errorf("Activation takes 1 input, got %d", len(in))
	}
	return in[0].Clone(), nil, nil
}

func activationForward(ev *evaluation, nd *node, in []value, out value) error {
	kind, err := actKindFor(nd.at.str("act_type", ""))
	if err != nil {
		return err
	}
	ev.nums.activation(kind, out.flat, in[0].flat)
	return nil
}

func activationBackward(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	kind, err := actKindFor(nd.at.str("act_type", ""))
	if err != nil {
		return err
	}
	if inGrads[0].wanted() {
		ev.nums.activationGrad(kind, inGrads[0].flat, outGrad.flat, out.flat)
	}
	return nil
}

// SoftmaxOutput

func softmaxOutputAttrs(at attrs) (scale, ignore float64, useIgnore bool, norm string, err error) {
	if scale, err = at.float("grad_scale", 1); err != nil {
		return
	}
	if ignore, err = at.float("ignore_label", -1); err != nil {
		return
	}
	if useIgnore, err = at.bool("use_ignore", false); err != nil {
		return
	}
	norm = at.str("normalization", "null")
	switch norm {
	case "null", "batch", "valid":
	default:
		err = errors.Errorf("keyword \"normalization\" must be one of null, batch, valid; got %q", norm)
	}
	return
}

func softmaxOutputInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	if _, _, _, _, err := softmaxOutputAttrs(at); err != nil {
		return shapes.Invalid(), nil, err
	}
	if len(in) != 2 {
		return shapes.Invalid(), nil, errors.Errorf("SoftmaxOutput takes 2 inputs, got %d", len(in))
	}
	data, label := in[0], in[1]
	if data.Rank() != 2 {
		return shapes.Invalid(), nil, errors.Errorf("data must have rank 2, got shape %s", data)
	}
	wantLabel := shapes.Make(data.DType, data.Dimensions[0])
	if !label.Equal(wantLabel) {
		return shapes.Invalid(), nil, errors.Errorf("label must have shape %s, got %s", wantLabel, label)
	}
	return data.Clone(), nil, nil
}

func softmaxOutputForward(ev *evaluation, nd *node, in []value, out value) error {
	rows, cols := in[0].shape.Dimensions[0], in[0].shape.Dimensions[1]
	ev.nums.softmax(out.flat, in[0].flat, rows, cols)
	return nil
}

func softmaxOutputBackward(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	// The operator is a loss: outGrad is absent and the gradient comes
	// from the softmax output and the labels alone.
	if inGrads[1].wanted() {
		ev.nums.fill(inGrads[1].flat, 0)
	}
	if !inGrads[0].wanted() {
		return nil
	}
	scale, ignore, useIgnore, norm, err := softmaxOutputAttrs(nd.at)
	if err != nil {
		return err
	}
	rows, cols := in[0].shape.Dimensions[0], in[0].shape.Dimensions[1]
	valid := ev.nums.softmaxGrad(inGrads[0].flat, out.flat, in[1].flat, rows, cols, ignore, useIgnore)
	switch norm {
	case "batch":
		scale /= float64(rows)
	case "valid":
		if valid > 0 {
			scale /= float64(valid)
		}
	}
	if scale != 1 {
		ev.nums.scale(scale, inGrads[0].flat)
	}
	return nil
}

// LinearRegressionOutput

func regressionInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	if _, err := at.float("grad_scale", 1); err != nil {
		return shapes.Invalid(), nil, err
	}
	if len(in) != 2 {
		return shapes.Invalid(), nil, errors.Errorf("LinearRegressionOutput takes 2 inputs, got %d", len(in))
	}
	if !in[0].Equal(in[1]) {
		return shapes.Invalid(), nil, errors.Errorf("data and label must have equal shapes, got %s and %s", in[0], in[1])
	}
	return in[0].Clone(), nil, nil
}

func regressionForward(ev *evaluation, nd *node, in []value, out value) error {
	ev.nums.copyTo(out.flat, in[0].flat)
	return nil
}

func regressionBackward(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	if inGrads[1].wanted() {
		ev.nums.fill(inGrads[1].flat, 0)
	}
	if !inGrads[0].wanted() {
		return nil
	}
	scale, err := nd.at.float("grad_scale", 1)
	if err != nil {
		return err
	}
	g := inGrads[0].flat
	ev.nums.ewise(binSub, g, in[0].flat, in[1].flat)
	if scale != 1 {
		ev.nums.scale(scale, g)
	}
	return nil
}

// BatchNorm

// batchNormSaved is the forward scratch batch normalization keeps for its
// backward pass.
type batchNormSaved struct {
	mean, invStd, gamma any
}

func batchNormAttrs(at attrs) (eps, momentum float64, fixGamma bool, err error) {
	if eps, err = at.float("eps", 1e-3); err != nil {
		return
	}
	if momentum, err = at.float("momentum", 0.9); err != nil {
		return
	}
	fixGamma, err = at.bool("fix_gamma", true)
	return
}

// bnView is the [n, c, m] view of the input: batch rows, channels, and
// elements per channel and row.
func bnView(data shapes.Shape) (n, c, m int) {
	n, c = data.Dimensions[0], data.Dimensions[1]
	return n, c, data.Size() / (n * c)
}

func batchNormInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	if _, _, _, err := batchNormAttrs(at); err != nil {
		return shapes.Invalid(), nil, err
	}
	if len(in) != 3 {
		return shapes.Invalid(), nil, errors.Errorf("BatchNorm takes 3 inputs, got %d", len(in))
	}
	data := in[0]
	if data.Rank() < 2 {
		return shapes.Invalid(), nil, errors.Errorf("data must have rank at least 2, got shape %s", data)
	}
	chanShape := shapes.Make(data.DType, data.Dimensions[1])
	if !in[1].Equal(chanShape) {
		return shapes.Invalid(), nil, errors.Errorf("gamma must have shape %s, got %s", chanShape, in[1])
	}
	if !in[2].Equal(chanShape) {
		return shapes.Invalid(), nil, errors.Errorf("beta must have shape %s, got %s", chanShape, in[2])
	}
	return data.Clone(), []shapes.Shape{chanShape.Clone(), chanShape.Clone()}, nil
}

func batchNormForward(ev *evaluation, nd *node, in []value, out value) error {
	eps, momentum, fixGamma, err := batchNormAttrs(nd.at)
	if err != nil {
		return err
	}
	n, c, m := bnView(in[0].shape)
	nums := ev.nums
	gamma := in[1].flat
	if fixGamma {
		gamma = ev.allocFlat(c)
		nums.fill(gamma, 1)
	}
	aux := ev.x.auxOf[nd] // moving_mean, moving_var
	movingMean, err := ev.loadArray(aux[0])
	if err != nil {
		return errors.WithMessagef(err, "auxiliary state %s_moving_mean", nd.name)
	}
	movingVar, err := ev.loadArray(aux[1])
	if err != nil {
		return errors.WithMessagef(err, "auxiliary state %s_moving_var", nd.name)
	}
	invStd := ev.allocFlat(c)
	if ev.mode != engines.ForwardGradients {
		// Inference: normalize with the moving statistics.
		nums.bnInvStd(invStd, movingVar.flat, eps)
		nums.bnNormalize(out.flat, in[0].flat, n, c, m, movingMean.flat, invStd, gamma, in[2].flat)
		return nil
	}
	// Training: normalize with the batch statistics and fold them into the
	// moving ones.
	mean := ev.allocFlat(c)
	variance := ev.allocFlat(c)
	nums.bnStats(in[0].flat, n, c, m, mean, variance)
	nums.bnInvStd(invStd, variance, eps)
	nums.bnNormalize(out.flat, in[0].flat, n, c, m, mean, invStd, gamma, in[2].flat)
	nums.scale(momentum, movingMean.flat)
	nums.axpy(1-momentum, mean, movingMean.flat)
	nums.scale(momentum, movingVar.flat)
	nums.axpy(1-momentum, variance, movingVar.flat)
	ev.storeArray(aux[0], movingMean)
	ev.storeArray(aux[1], movingVar)
	ev.saved[nd] = &batchNormSaved{mean: mean, invStd: invStd, gamma: gamma}
	return nil
}

func batchNormBackward(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	saved, ok := ev.saved[nd].(*batchNormSaved)
	if !ok {
		return errors.Errorf("no batch statistics retained from the forward pass")
	}
	_, _, fixGamma, err := batchNormAttrs(nd.at)
	if err != nil {
		return err
	}
	n, c, m := bnView(in[0].shape)
	dx := ev.flatOr(inGrads[0], in[0].shape.Size())
	dGamma := ev.flatOr(inGrads[1], c)
	dBeta := ev.flatOr(inGrads[2], c)
	ev.nums.bnBackward(dx, dGamma, dBeta, outGrad.flat, in[0].flat, n, c, m, saved.mean, saved.invStd, saved.gamma)
	if fixGamma && inGrads[1].wanted() {
		ev.nums.fill(inGrads[1].flat, 0)
	}
	return nil
}

// dot

// dotResolve checks the operand shapes against the transpose keywords and
// returns the [m,k]·[k,n] dimensions of the product.
func dotResolve(at attrs, a, b shapes.Shape) (ta, tb bool, m, k, n int, err error) {
	if ta, err = at.bool("transpose_a", false); err != nil {
		return
	}
	if tb, err = at.bool("transpose_b", false); err != nil {
		return
	}
	if a.Rank() != 2 || b.Rank() != 2 {
		err = errors.Errorf("dot needs rank-2 inputs, got shapes %s and %s", a, b)
		return
	}
	m, k = a.Dimensions[0], a.Dimensions[1]
	if ta {
		m, k = k, m
	}
	bk, bn := b.Dimensions[0], b.Dimensions[1]
	if tb {
		bk, bn = bn, bk
	}
	if bk != k {
		err = errors.Errorf("dot inner dimensions do not agree: shapes %s and %s with transpose_a=%v, transpose_b=%v", a, b, ta, tb)
		return
	}
	n = bn
	return
}

func dotInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	if len(in) != 2 {
		return shapes.Invalid(), nil, errors.Errorf("dot takes 2 inputs, got %d", len(in))
	}
	_, _, m, _, n, err := dotResolve(at, in[0], in[1])
	if err != nil {
		return shapes.Invalid(), nil, err
	}
	return shapes.Make(in[0].DType, m, n), nil, nil
}

func dotForward(ev *evaluation, nd *node, in []value, out value) error {
	ta, tb, m, k, n, err := dotResolve(nd.at, in[0].shape, in[1].shape)
	if err != nil {
		return err
	}
	ev.nums.gemm(ta, tb, m, k, n, in[0].flat, in[1].flat, out.flat)
	return nil
}

func dotBackward(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	ta, tb, m, k, n, err := dotResolve(nd.at, in[0].shape, in[1].shape)
	if err != nil {
		return err
	}
	nums := ev.nums
	if inGrads[0].wanted() {
		if ta {
			nums.gemm(tb, true, k, n, m, in[1].flat, outGrad.flat, inGrads[0].flat)
		} else {
			nums.gemm(false, !tb, m, n, k, outGrad.flat, in[1].flat, inGrads[0].flat)
		}
	}
	if inGrads[1].wanted() {
		if tb {
			nums.gemm(true, ta, n, m, k, outGrad.flat, in[0].flat, inGrads[1].flat)
		} else {
			nums.gemm(!ta, false, k, m, n, in[0].flat, outGrad.flat, inGrads[1].flat)
		}
	}
	return nil
}

// Elementwise binaries

func ewiseInferShape(at attrs, in []shapes.Shape) (shapes.Shape, []shapes.Shape, error) {
	if len(in) != 2 {
		return shapes.Invalid(), nil, errors.Errorf("elementwise operators take 2 inputs, got %d", len(in))
	}
	if !in[0].Equal(in[1]) {
		return shapes.Invalid(), nil, errors.Errorf("elementwise operators need equal input shapes, got %s and %s", in[0], in[1])
	}
	return in[0].Clone(), nil, nil
}

func ewiseForward(code binOpCode) func(ev *evaluation, nd *node, in []value, out value) error {
	return func(ev *evaluation, nd *node, in []value, out value) error {
		ev.nums.ewise(code, out.flat, in[0].flat, in[1].flat)
		return nil
	}
}

func ewiseBackward(code binOpCode) func(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
	return func(ev *evaluation, nd *node, in []value, out, outGrad value, inGrads []value) error {
		nums := ev.nums
		switch code {
		case binAdd:
			if inGrads[0].wanted() {
				nums.copyTo(inGrads[0].flat, outGrad.flat)
			}
			if inGrads[1].wanted() {
				nums.copyTo(inGrads[1].flat, outGrad.flat)
			}
		case binSub:
			if inGrads[0].wanted() {
				nums.copyTo(inGrads[0].flat, outGrad.flat)
			}
			if inGrads[1].wanted() {
				nums.copyTo(inGrads[1].flat, outGrad.flat)
				nums.scale(-1, inGrads[1].flat)
			}
		case binMul:
			if inGrads[0].wanted() {
				nums.ewise(binMul, inGrads[0].flat, outGrad.flat, in[1].flat)
			}
			if inGrads[1].wanted() {
				nums.ewise(binMul, inGrads[1].flat, outGrad.flat, in[0].flat)
			}
		case binDiv:
			if inGrads[0].wanted() {
				nums.ewise(binDiv, inGrads[0].flat, outGrad.flat, in[1].flat)
			}
			if inGrads[1].wanted() {
				// d(a/b)/db = -a/b² = -out/b.
				g := inGrads[1].flat
				nums.ewise(binMul, g, outGrad.flat, out.flat)
				nums.ewise(binDiv, g, g, in[1].flat)
				nums.scale(-1, g)
			}
		}
		return nil
	}
}
