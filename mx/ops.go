package mx

import (
	"slices"
	"strconv"
)

// Operator symbol constructors. Each instantiates one engine operator with
// its keyword parameters serialized to strings -- losslessly for floats --
// and composes it with its inputs in the operator's declared order. The
// inputs may be freed as soon as the constructor returns.

// NewOperatorSymbol instantiates the named operator with keyword parameters
// kv -- alternating key, value strings -- and composes it with inputs under
// the node name. The typed constructors below cover the common operators;
// this is the generic entry point. It panics for operator names the engine
// does not provide.
func NewOperatorSymbol(op, name string, inputs []*Symbol, kv ...string) (*Symbol, error) {
	if len(kv)%2 != 0 {
		return nil, consistencyf("NewOperatorSymbol(%q): kv wants alternating key, value strings, got %d", op, len(kv))
	}
	at := make(map[string]string, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		at[kv[i]] = kv[i+1]
	}
	return operatorSymbol(name, op, inputs, at)
}

// FullyConnected applies a linear transformation to data:
// out[b,h] = Σ_k data[b,k]·weight[h,k] + bias[h]. A nil bias selects the
// bias-free form. numHidden is the number of output features.
//
// data must have rank at least 2 and is read as [batch, features] with
// trailing axes flattened; weight must have shape [numHidden, features] and
// bias, when given, [numHidden].
func FullyConnected(name string, data, weight, bias *Symbol, numHidden int) (*Symbol, error) {
	if numHidden < 1 {
		return nil, consistencyf("FullyConnected %q: numHidden must be at least 1, got %d", name, numHidden)
	}
	at := map[string]string{"num_hidden": strconv.Itoa(numHidden)}
	inputs := []*Symbol{data, weight, bias}
	if bias == nil {
		at["no_bias"] = "true"
		inputs = inputs[:2]
	}
	return operatorSymbol(name, "FullyConnected", inputs, at)
}

// actTypes are the activation functions Activation accepts.
var actTypes = []string{"relu", "sigmoid", "tanh", "softrelu"}

// Activation applies an elementwise activation function to data. actType is
// one of "relu", "sigmoid", "tanh" or "softrelu".
func Activation(name string, data *Symbol, actType string) (*Symbol, error) {
	if !slices.Contains(actTypes, actType) {
		return nil, consistencyf("Activation %q: unknown act_type %q, need one of %v", name, actType, actTypes)
	}
	return operatorSymbol(name, "Activation", []*Symbol{data}, map[string]string{"act_type": actType})
}

// SoftmaxOutputConfig are the optional parameters of SoftmaxOutput. The
// zero value keeps the engine defaults.
type SoftmaxOutputConfig struct {
	// GradScale scales the gradient; 0 means 1.
	GradScale float64

	// UseIgnore excludes rows whose label equals IgnoreLabel from the
	// gradient and from the "valid" normalization count.
	UseIgnore   bool
	IgnoreLabel float64

	// Normalization divides the gradient: "null" (no division, the
	// default), "batch" (by the batch size) or "valid" (by the count of
	// not-ignored rows).
	Normalization string
}

// SoftmaxOutput outputs the row-wise softmax of data and, on the backward
// pass, produces the cross-entropy gradient against the label vector. It is
// a loss operator: backward passes start from it with no incoming gradient.
//
// data must have shape [batch, classes] and label [batch], each label the
// index of the true class.
func SoftmaxOutput(name string, data, label *Symbol, cfg SoftmaxOutputConfig) (*Symbol, error) {
	at := make(map[string]string)
	if cfg.GradScale != 0 {
		at["grad_scale"] = formatScalar(cfg.GradScale)
	}
	if cfg.UseIgnore {
		at["use_ignore"] = "true"
		at["ignore_label"] = formatScalar(cfg.IgnoreLabel)
	}
	if cfg.Normalization != "" {
		at["normalization"] = cfg.Normalization
	}
	return operatorSymbol(name, "SoftmaxOutput", []*Symbol{data, label}, at)
}

// LinearRegressionOutput outputs data unchanged and, on the backward pass,
// produces the squared-loss gradient data-label, scaled by gradScale (0
// means 1). data and label must have the same shape. Like SoftmaxOutput it
// is a loss operator.
func LinearRegressionOutput(name string, data, label *Symbol, gradScale float64) (*Symbol, error) {
	at := make(map[string]string)
	if gradScale != 0 {
		at["grad_scale"] = formatScalar(gradScale)
	}
	return operatorSymbol(name, "LinearRegressionOutput", []*Symbol{data, label}, at)
}

// BatchNormConfig are the optional parameters of BatchNorm. The zero value
// keeps the engine defaults: eps 1e-3, momentum 0.9, gamma fixed at 1.
type BatchNormConfig struct {
	// Eps is added to the variance before the inverse square root; 0 means
	// the engine default 1e-3.
	Eps float64

	// Momentum weighs the moving-statistics update,
	// moving = momentum·moving + (1-momentum)·batch; 0 means the engine
	// default 0.9.
	Momentum float64

	// TrainGamma makes the scale gamma a learned parameter. By default
	// gamma is fixed at 1 and its gradient is zeroed.
	TrainGamma bool
}

// BatchNorm normalizes data per channel (axis 1) to zero mean and unit
// variance, then scales by gamma and shifts by beta (both shaped
// [channels]). It maintains moving mean and variance as the auxiliary
// states "<name>_moving_mean" and "<name>_moving_var": a gradients-mode
// forward normalizes by batch statistics and updates the moving ones, any
// other forward normalizes by the moving statistics.
func BatchNorm(name string, data, gamma, beta *Symbol, cfg BatchNormConfig) (*Symbol, error) {
	at := make(map[string]string)
	if cfg.Eps != 0 {
		at["eps"] = formatScalar(cfg.Eps)
	}
	if cfg.Momentum != 0 {
		at["momentum"] = formatScalar(cfg.Momentum)
	}
	if cfg.TrainGamma {
		at["fix_gamma"] = "false"
	}
	return operatorSymbol(name, "BatchNorm", []*Symbol{data, gamma, beta}, at)
}

// Dot computes the matrix product of two rank-2 inputs, optionally
// transposing either side first.
func Dot(name string, lhs, rhs *Symbol, transposeA, transposeB bool) (*Symbol, error) {
	at := make(map[string]string)
	if transposeA {
		at["transpose_a"] = "true"
	}
	if transposeB {
		at["transpose_b"] = "true"
	}
	return operatorSymbol(name, "dot", []*Symbol{lhs, rhs}, at)
}

// ElemwiseAdd computes lhs + rhs elementwise. The input shapes must be
// equal: no broadcasting.
func ElemwiseAdd(name string, lhs, rhs *Symbol) (*Symbol, error) {
	return operatorSymbol(name, "elemwise_add", []*Symbol{lhs, rhs}, nil)
}

// ElemwiseSub computes lhs - rhs elementwise. The input shapes must be
// equal.
func ElemwiseSub(name string, lhs, rhs *Symbol) (*Symbol, error) {
	return operatorSymbol(name, "elemwise_sub", []*Symbol{lhs, rhs}, nil)
}

// ElemwiseMul computes lhs * rhs elementwise. The input shapes must be
// equal.
func ElemwiseMul(name string, lhs, rhs *Symbol) (*Symbol, error) {
	return operatorSymbol(name, "elemwise_mul", []*Symbol{lhs, rhs}, nil)
}

// ElemwiseDiv computes lhs / rhs elementwise. The input shapes must be
// equal.
func ElemwiseDiv(name string, lhs, rhs *Symbol) (*Symbol, error) {
	return operatorSymbol(name, "elemwise_div", []*Symbol{lhs, rhs}, nil)
}
