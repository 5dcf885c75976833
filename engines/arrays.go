package engines

import "github.com/gomlx/gomx/types/shapes"

// ArrayInterface is the Engine sub-interface that creates, frees, transfers
// and synchronizes NDArrays.
//
// Engines may execute array operations asynchronously: a call that mutates or
// reads an array is allowed to return once the work is enqueued. The
// synchronization contract is per array: WaitToRead blocks until every
// pending write to that array completed, WaitToWrite until every pending read
// and write completed. SyncCopyFromHost and SyncCopyToHost imply the
// corresponding wait. Metadata queries (shape, device) never block on data.
type ArrayInterface interface {
	// NewNDArray allocates an array of the given shape on the given device
	// and returns its handle. With delayedAllocation the engine may postpone
	// materializing storage until first written; the shape is fixed either
	// way.
	NewNDArray(dev Device, shape shapes.Shape, delayedAllocation bool) (ArrayHandle, error)

	// FreeNDArray releases the array. The underlying buffer is freed once no
	// other handle aliases it; the engine keeps the count. The handle must
	// never be used again.
	FreeNDArray(h ArrayHandle) error

	// NDArrayShape returns the shape (dtype and dimensions) of the array.
	NDArrayShape(h ArrayHandle) (shapes.Shape, error)

	// NDArrayDevice returns the device the array lives on.
	NDArrayDevice(h ArrayHandle) (Device, error)

	// SyncCopyFromHost copies flat, a slice of the array's dtype with
	// exactly shape.Size() elements in row-major order, into the array.
	// It blocks until pending reads and writes of the array completed before
	// writing.
	SyncCopyFromHost(h ArrayHandle, flat any) error

	// SyncCopyToHost copies the array into flat, a slice of the array's
	// dtype with exactly shape.Size() elements. It blocks until pending
	// writes to the array completed before reading.
	SyncCopyToHost(h ArrayHandle, flat any) error

	// NDArrayRawData returns a slice of the array's dtype pointing directly
	// at the array's storage, without copying. The caller must have
	// synchronized (WaitToRead) first; the slice is invalidated by any
	// subsequent write, reshape or free of the array.
	NDArrayRawData(h ArrayHandle) (flat any, err error)

	// WaitToRead blocks until all pending writes to the array completed.
	WaitToRead(h ArrayHandle) error

	// WaitToWrite blocks until all pending reads and writes of the array
	// completed.
	WaitToWrite(h ArrayHandle) error

	// WaitAll blocks until every operation enqueued on the engine, on any
	// array, completed.
	WaitAll() error

	// ReshapeNDArray returns a new handle viewing the same storage with the
	// given dimensions. The product of the new dimensions must not exceed
	// the array's current size. Both handles must eventually be freed; the
	// storage is released when the last one is.
	ReshapeNDArray(h ArrayHandle, dimensions []int) (ArrayHandle, error)
}
