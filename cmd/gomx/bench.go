package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gomlx/gomx/mx"
)

type benchConfig struct {
	batch       int
	features    int
	hidden      int
	steps       int
	forwardOnly bool
	seed        int64
}

func benchCommand() *cobra.Command {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time forward/backward passes of a small fully-connected model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			defer m.Close()
			return runBench(m, cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.batch, "batch", 64, "examples per step")
	cmd.Flags().IntVar(&cfg.features, "features", 256, "input features per example")
	cmd.Flags().IntVar(&cfg.hidden, "hidden", 128, "hidden units of the fully-connected layer")
	cmd.Flags().IntVar(&cfg.steps, "steps", 200, "steps to time")
	cmd.Flags().BoolVar(&cfg.forwardOnly, "forward-only", false, "skip the backward pass")
	cmd.Flags().Int64Var(&cfg.seed, "seed", 42, "seed for the synthetic data")
	return cmd
}

// randomArray allocates an array on cpu(0) filled with normal samples.
func randomArray(m *mx.Manager, rng *rand.Rand, dimensions ...int) *mx.NDArray[float32] {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return must.M1(mx.FromSlice(m, mx.CPU(0), data, dimensions...))
}

// runBench binds LinearRegressionOutput(FullyConnected(data, weight, bias),
// label) over random data and times cfg.steps forward(+backward) passes.
// Each step waits for the engine to drain, so the wall time measured is the
// compute time and not just the enqueueing time.
func runBench(m *mx.Manager, cfg benchConfig) error {
	rng := rand.New(rand.NewSource(cfg.seed))

	vData := must.M1(m.Variable("data"))
	defer vData.Free()
	vWeight := must.M1(m.Variable("weight"))
	defer vWeight.Free()
	vBias := must.M1(m.Variable("bias"))
	defer vBias.Free()
	vLabel := must.M1(m.Variable("label"))
	defer vLabel.Free()
	fc := must.M1(mx.FullyConnected("fc", vData, vWeight, vBias, cfg.hidden))
	defer fc.Free()
	loss := must.M1(mx.LinearRegressionOutput("loss", fc, vLabel, 1))
	defer loss.Free()

	data := randomArray(m, rng, cfg.batch, cfg.features)
	defer data.Free()
	weight := randomArray(m, rng, cfg.hidden, cfg.features)
	defer weight.Free()
	bias := randomArray(m, rng, cfg.hidden)
	defer bias.Free()
	label := randomArray(m, rng, cfg.batch, cfg.hidden)
	defer label.Free()

	// Gradients only for the parameters, not for the data or the label.
	args := []*mx.NDArray[float32]{data, weight, bias, label}
	grads := make([]*mx.NDArray[float32], len(args))
	reqs := make([]mx.GradReq, len(args))
	mode := mx.ForwardOutputs
	if !cfg.forwardOnly {
		gWeight := must.M1(mx.NewFilledNDArray[float32](m, mx.CPU(0), 0, cfg.hidden, cfg.features))
		defer gWeight.Free()
		gBias := must.M1(mx.NewFilledNDArray[float32](m, mx.CPU(0), 0, cfg.hidden))
		defer gBias.Free()
		grads[1], grads[2] = gWeight, gBias
		reqs[1], reqs[2] = mx.GradWrite, mx.GradWrite
		mode = mx.ForwardGradients
	}
	exec := must.M1(mx.Bind(loss, mx.CPU(0), args, grads, reqs, nil))
	defer exec.Free()

	// Warm-up pass keeps first-touch allocation out of the timed loop.
	must.M(exec.Forward(mode))
	if !cfg.forwardOnly {
		must.M(exec.Backward())
	}
	must.M(m.WaitAll())

	passes := "forward+backward"
	if cfg.forwardOnly {
		passes = "forward"
	}
	paramBytes := uint64((cfg.hidden*cfg.features + cfg.hidden) * 4)
	fmt.Printf("Engine %s: %d %s passes of FullyConnected(%d) on (Float32)[%d %d], %s of parameters\n",
		m.Engine().Name(), cfg.steps, passes, cfg.hidden, cfg.batch, cfg.features, humanize.Bytes(paramBytes))

	bar := progressbar.NewOptions(cfg.steps,
		progressbar.OptionSetDescription("Benchmarking: "),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(os.Stderr),
	)
	start := time.Now()
	for step := 0; step < cfg.steps; step++ {
		must.M(exec.Forward(mode))
		if !cfg.forwardOnly {
			must.M(exec.Backward())
		}
		must.M(m.WaitAll())
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Finish()
	fmt.Println()

	perStep := elapsed / time.Duration(cfg.steps)
	fmt.Printf("%d steps in %s: %s/step, %.1f steps/s\n",
		cfg.steps, elapsed.Round(time.Millisecond), perStep.Round(time.Microsecond),
		float64(cfg.steps)/elapsed.Seconds())
	return nil
}
