package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds how long a buffer readback may poll the device.
var ReadTimeout = 2 * time.Second

// NewFloatBuffer creates a buffer initialized with data
func NewFloatBuffer(data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %v", err)
	}
	return buf, nil
}

func newStorageBuffer(c *Context, label string, floats int) (*wgpu.Buffer, error) {
	return c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(floats * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
}

func newStagingBuffer(c *Context, label string, floats int) (*wgpu.Buffer, error) {
	return c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(floats * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
}

// readStagingBuffer maps a MapRead buffer and copies size floats out of it.
func readStagingBuffer(c *Context, buf *wgpu.Buffer, size int) ([]float32, error) {
	done := make(chan struct{})
	var mapErr error

	err := buf.MapAsync(wgpu.MapModeRead, 0, buf.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("MapAsync failed: %v", err)
	}

	timeout := time.After(ReadTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("buffer readback timed out after %v", ReadTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := buf.GetMappedRange(0, uint(buf.GetSize()))
	if data == nil {
		buf.Unmap()
		return nil, fmt.Errorf("failed to get mapped range")
	}
	out := make([]float32, size)
	copy(out, wgpu.FromBytes[float32](data))
	buf.Unmap()
	return out, nil
}

// runPass writes input, dispatches one compute pass, copies output to staging
// and reads it back.
func runPass(c *Context, in []float32, inBuf, outBuf, staging *wgpu.Buffer,
	pipeline *wgpu.ComputePipeline, bind *wgpu.BindGroup, workgroups uint32, outSize int) ([]float32, error) {

	c.Queue.WriteBuffer(inBuf, 0, wgpu.ToBytes(in))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bind, nil)
	pass.DispatchWorkgroups(workgroups, 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(outBuf, 0, staging, 0, outBuf.GetSize())

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)
	return readStagingBuffer(c, staging, outSize)
}
