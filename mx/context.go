package mx

import "github.com/gomlx/gomx/engines"

// Context identifies the device computations run on and arrays live on: a
// device kind plus the index of the device among those of its kind. It is
// the engines.Device value type under the name the binding surface uses for
// it.
//
// Context is plain data -- no handle, nothing to free. It prints as e.g.
// "cpu(0)".
type Context = engines.Device

// CPU returns the context of the index-th CPU device. CPU(0) is always
// available.
func CPU(index int) Context {
	return Context{Kind: engines.CPU, Index: index}
}

// GPU returns the context of the index-th GPU device.
func GPU(index int) Context {
	return Context{Kind: engines.GPU, Index: index}
}

// CPUPinned returns the context of the index-th page-locked host memory
// device, used by engines that stage transfers to GPU devices.
func CPUPinned(index int) Context {
	return Context{Kind: engines.CPUPinned, Index: index}
}
