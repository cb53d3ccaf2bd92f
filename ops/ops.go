// Package ops implements the numeric primitives the mostgan networks are
// built from: fused bias+activation, FIR resampling (upfirdn), convolution
// with integrated resampling, equalized-learning-rate dense layers and plain
// convolution layers with optional spectral normalization.
//
// All operations work on NCHW ("channels first") feature maps and OIHW
// convolution kernels, matching the shape conventions of the network
// packages built on top.
package ops

import (
	. "github.com/gomlx/gomlx/graph"
)

// nchwAxes returns the convolution axes configuration for NCHW inputs/outputs
// and OIHW kernels.
func nchwAxes() ConvolveAxesConfig {
	return ConvolveAxesConfig{
		InputBatch:          0,
		InputChannel:        1,
		InputSpatial:        []int{2, 3},
		KernelOutputChannel: 0,
		KernelInputChannel:  1,
		KernelSpatial:       []int{2, 3},
		OutputBatch:         0,
		OutputChannel:       1,
		OutputSpatial:       []int{2, 3},
	}
}

// conv2d runs a plain NCHW/OIHW convolution (correlation) with the given
// strides, paddings and feature group count.
func conv2d(x, kernel *Node, strides int, paddings [][2]int, groups int) *Node {
	if paddings == nil {
		paddings = [][2]int{{0, 0}, {0, 0}}
	}
	return ConvGeneralDilated(x, kernel, nchwAxes(),
		[]int{strides, strides}, paddings,
		[]int{1, 1}, []int{1, 1}, groups, 1)
}
