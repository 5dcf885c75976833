package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/mx"
)

func infoCommand() *cobra.Command {
	var probeElements int
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show engine metadata, devices and a probe allocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newManager()
			defer m.Close()
			return runInfo(m, probeElements)
		},
	}
	cmd.Flags().IntVar(&probeElements, "probe-elements", 1<<20,
		"number of float32 elements allocated to probe the engine")
	return cmd
}

func runInfo(m *mx.Manager, probeElements int) error {
	e := m.Engine()
	fmt.Printf("%-13s %s\n", "Engine:", e.Name())
	fmt.Printf("%-13s %s\n", "Version:", e.Version())
	fmt.Printf("%-13s %s\n", "Description:", e.Description())
	fmt.Printf("%-13s", "Devices:")
	for _, kind := range []engines.DeviceKind{engines.CPU, engines.GPU, engines.CPUPinned} {
		fmt.Printf(" %s=%d", kind, e.NumDevices(kind))
	}
	fmt.Println()
	fmt.Printf("%-13s %d\n", "Operators:", len(m.Operators()))

	// A throwaway allocation proves the engine accepts work and shows the
	// memory an array of this size takes.
	probe, err := mx.NewFilledNDArray[float32](m, mx.CPU(0), 0, probeElements)
	if err != nil {
		return err
	}
	defer probe.Free()
	shape, err := probe.Shape()
	if err != nil {
		return err
	}
	fmt.Printf("%-13s %s on %s, %s\n", "Probe:", shape, mx.CPU(0), humanize.Bytes(uint64(shape.Memory())))
	fmt.Printf("%-13s %d\n", "Live handles:", mx.LiveHandleCount())
	return nil
}
