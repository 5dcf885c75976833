package mx

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestVariable(t *testing.T) {
	x := mustVariable(t, "x")
	require.True(t, x.Valid())
	require.Same(t, manager, x.Manager())

	name, err := x.Name()
	require.NoError(t, err)
	require.Equal(t, "x", name)

	var nerr *NativeCallError
	_, err = manager.Variable("")
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "CreateVariable", nerr.Op)
	require.Contains(t, nerr.Error(), "must not be empty")
}

func TestSymbolFree(t *testing.T) {
	x, err := manager.Variable("x")
	require.NoError(t, err)

	x.Free()
	x.Free() // idempotent
	require.False(t, x.Valid())
	_, err = x.Name()
	require.ErrorIs(t, err, ErrHandleInvalid)
	_, err = x.Arguments()
	require.ErrorIs(t, err, ErrHandleInvalid)
	_, err = x.Print()
	require.ErrorIs(t, err, ErrHandleInvalid)

	var nilSym *Symbol
	require.False(t, nilSym.Valid())
	nilSym.Free() // no-op
	_, err = nilSym.Name()
	require.ErrorIs(t, err, ErrHandleInvalid)
}

func TestOperatorSymbolArguments(t *testing.T) {
	x := mustVariable(t, "x")
	w := mustVariable(t, "w")
	b := mustVariable(t, "b")

	fc, err := FullyConnected("fc", x, w, b, 2)
	require.NoError(t, err)
	t.Cleanup(fc.Free)

	name, err := fc.Name()
	require.NoError(t, err)
	require.Equal(t, "fc", name)

	args, err := fc.Arguments()
	require.NoError(t, err)
	require.Equal(t, []string{"x", "w", "b"}, args)

	aux, err := fc.AuxiliaryStates()
	require.NoError(t, err)
	require.Empty(t, aux)
}

func TestFullyConnectedNilBias(t *testing.T) {
	x := mustVariable(t, "x")
	w := mustVariable(t, "w")

	fc, err := FullyConnected("fc", x, w, nil, 2)
	require.NoError(t, err)
	t.Cleanup(fc.Free)

	args, err := fc.Arguments()
	require.NoError(t, err)
	require.Equal(t, []string{"x", "w"}, args)

	text, err := fc.Print()
	require.NoError(t, err)
	require.Equal(t, "Symbol fc\n"+
		"  Op:FullyConnected name=fc no_bias=true num_hidden=2\n"+
		"    Variable:x\n"+
		"    Variable:w\n", text)
}

func TestConstructorValidation(t *testing.T) {
	x := mustVariable(t, "x")
	var cerr *ConsistencyError

	_, err := NewOperatorSymbol("dot", "d", nil)
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, "needs at least one input symbol")

	_, err = FullyConnected("fc", nil, x, x, 2)
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, "input 0 of operator FullyConnected")

	_, err = FullyConnected("fc", x, x, x, 0)
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, "numHidden must be at least 1")

	_, err = Activation("act", x, "gelu")
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, `unknown act_type "gelu"`)

	_, err = NewOperatorSymbol("dot", "d", []*Symbol{x, x}, "transpose_a")
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, "alternating key, value strings")

	freed, err := manager.Variable("gone")
	require.NoError(t, err)
	freed.Free()
	_, err = ElemwiseAdd("s", x, freed)
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, "input 1 of operator elemwise_add")
}

func TestConstructorRejectsForeignManager(t *testing.T) {
	m2 := NewWithConfig("go")
	defer m2.Close()
	x := mustVariable(t, "x")
	other, err := m2.Variable("y")
	require.NoError(t, err)
	defer other.Free()

	var cerr *ConsistencyError
	_, err = ElemwiseAdd("s", x, other)
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Message, "belongs to a different Manager")
}

func TestComposeFailureFreesNode(t *testing.T) {
	x := mustVariable(t, "x")
	base := LiveHandleCount()

	// dot takes at most two inputs; the engine rejects the composition and
	// the half-built node must not leak.
	var nerr *NativeCallError
	_, err := NewOperatorSymbol("dot", "d", []*Symbol{x, x, x})
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "Compose", nerr.Op)
	require.Contains(t, nerr.Error(), "takes between 1 and 2 inputs, got 3")
	require.Equal(t, base, LiveHandleCount())
}

func TestComposeCopiesInputs(t *testing.T) {
	x, err := manager.Variable("x")
	require.NoError(t, err)
	w, err := manager.Variable("w")
	require.NoError(t, err)

	xw, err := Dot("xw", x, w, false, false)
	require.NoError(t, err)
	t.Cleanup(xw.Free)

	// The graph keeps its own copies of the inputs.
	x.Free()
	w.Free()
	args, err := xw.Arguments()
	require.NoError(t, err)
	require.Equal(t, []string{"x", "w"}, args)
}

func TestBatchNormAuxiliaryStates(t *testing.T) {
	data := mustVariable(t, "data")
	gamma := mustVariable(t, "gamma")
	beta := mustVariable(t, "beta")

	bn, err := BatchNorm("bn", data, gamma, beta, BatchNormConfig{})
	require.NoError(t, err)
	t.Cleanup(bn.Free)

	aux, err := bn.AuxiliaryStates()
	require.NoError(t, err)
	require.Equal(t, []string{"bn_moving_mean", "bn_moving_var"}, aux)
}

func TestSymbolPrint(t *testing.T) {
	x := mustVariable(t, "x")
	w := mustVariable(t, "w")
	b := mustVariable(t, "b")

	fc, err := FullyConnected("fc", x, w, b, 2)
	require.NoError(t, err)
	t.Cleanup(fc.Free)
	act, err := Activation("act", fc, "relu")
	require.NoError(t, err)
	t.Cleanup(act.Free)

	text, err := act.Print()
	require.NoError(t, err)
	require.Equal(t, "Symbol act\n"+
		"  Op:Activation name=act act_type=relu\n"+
		"    Op:FullyConnected name=fc num_hidden=2\n"+
		"      Variable:x\n"+
		"      Variable:w\n"+
		"      Variable:b\n", text)
}

// A small MLP exercises the whole rendering at once: nested operators,
// sorted keyword attributes and the bias-free form.
func TestSymbolPrintModel(t *testing.T) {
	data := mustVariable(t, "data")
	w1 := mustVariable(t, "fc1_weight")
	b1 := mustVariable(t, "fc1_bias")
	fc1, err := FullyConnected("fc1", data, w1, b1, 128)
	require.NoError(t, err)
	t.Cleanup(fc1.Free)

	gamma := mustVariable(t, "bn1_gamma")
	beta := mustVariable(t, "bn1_beta")
	bn, err := BatchNorm("bn1", fc1, gamma, beta, BatchNormConfig{Eps: 1e-5, Momentum: 0.99})
	require.NoError(t, err)
	t.Cleanup(bn.Free)
	act, err := Activation("relu1", bn, "relu")
	require.NoError(t, err)
	t.Cleanup(act.Free)

	w2 := mustVariable(t, "fc2_weight")
	fc2, err := FullyConnected("fc2", act, w2, nil, 10)
	require.NoError(t, err)
	t.Cleanup(fc2.Free)
	label := mustVariable(t, "label")
	out, err := SoftmaxOutput("softmax", fc2, label, SoftmaxOutputConfig{GradScale: 0.5, Normalization: "batch"})
	require.NoError(t, err)
	t.Cleanup(out.Free)

	text, err := out.Print()
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "mlp_print", []byte(text))
}

// Print shows keyword parameters in sorted order, so it doubles as a check
// that the config structs serialize the right keys.
func TestConfigSerialization(t *testing.T) {
	data := mustVariable(t, "data")
	label := mustVariable(t, "label")

	sm, err := SoftmaxOutput("sm", data, label, SoftmaxOutputConfig{
		GradScale:     2,
		UseIgnore:     true,
		IgnoreLabel:   5,
		Normalization: "valid",
	})
	require.NoError(t, err)
	t.Cleanup(sm.Free)
	text, err := sm.Print()
	require.NoError(t, err)
	require.Equal(t, "Symbol sm\n"+
		"  Op:SoftmaxOutput name=sm grad_scale=2 ignore_label=5 normalization=valid use_ignore=true\n"+
		"    Variable:data\n"+
		"    Variable:label\n", text)

	gamma := mustVariable(t, "gamma")
	beta := mustVariable(t, "beta")
	bn, err := BatchNorm("bn", data, gamma, beta, BatchNormConfig{
		Eps:        0.001,
		Momentum:   0.99,
		TrainGamma: true,
	})
	require.NoError(t, err)
	t.Cleanup(bn.Free)
	text, err = bn.Print()
	require.NoError(t, err)
	require.Equal(t, "Symbol bn\n"+
		"  Op:BatchNorm name=bn eps=0.001 fix_gamma=false momentum=0.99\n"+
		"    Variable:data\n"+
		"    Variable:gamma\n"+
		"    Variable:beta\n", text)

	lhs := mustVariable(t, "lhs")
	rhs := mustVariable(t, "rhs")
	d, err := Dot("d", lhs, rhs, true, false)
	require.NoError(t, err)
	t.Cleanup(d.Free)
	text, err = d.Print()
	require.NoError(t, err)
	require.Equal(t, "Symbol d\n"+
		"  Op:dot name=d transpose_a=true\n"+
		"    Variable:lhs\n"+
		"    Variable:rhs\n", text)
}
