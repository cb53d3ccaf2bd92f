package ops

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Filter is a normalized separable 2D low-pass FIR filter, prepared once at
// construction time with SetupFilter and shared by all resampling operations
// of a network.
type Filter struct {
	taps [][]float32
	size int
}

// SetupFilter builds a 2D filter from 1D separable taps. The taps are
// normalized to sum to one before taking the outer product, so the resulting
// 2D filter also sums to one.
func SetupFilter(taps []float32) *Filter {
	if len(taps) == 0 {
		Panicf("ops.SetupFilter: empty filter taps")
	}
	var sum float32
	for _, t := range taps {
		sum += t
	}
	if sum == 0 {
		Panicf("ops.SetupFilter: filter taps sum to zero, cannot normalize")
	}
	f := &Filter{size: len(taps), taps: make([][]float32, len(taps))}
	for i, ti := range taps {
		f.taps[i] = make([]float32, len(taps))
		for j, tj := range taps {
			f.taps[i][j] = (ti / sum) * (tj / sum)
		}
	}
	return f
}

// DefaultFilter returns the [1, 3, 3, 1] low-pass filter used throughout the
// networks when resampling activations.
func DefaultFilter() *Filter {
	return SetupFilter([]float32{1, 3, 3, 1})
}

// Size returns the filter width (and height).
func (f *Filter) Size() int { return f.size }

// kernel materializes the filter as a depthwise convolution kernel shaped
// [channels, 1, size, size], scaled by gain.
func (f *Filter) kernel(g *Graph, channels int, gain float64) *Node {
	k := Const(g, f.taps)
	if gain != 1 {
		k = MulScalar(k, gain)
	}
	k = Reshape(k, 1, 1, f.size, f.size)
	return BroadcastToDims(k, channels, 1, f.size, f.size)
}

// UpFirDn2D upsamples x by inserting up-1 zeros between samples, pads, applies
// the low-pass filter f scaled by gain, and downsamples by keeping every
// down-th sample. x is NCHW; padding is {padX0, padX1, padY0, padY1} applied
// to the upsampled image and may be negative (cropping).
//
// The whole operation executes as a single depthwise grouped convolution with
// input dilation and strides.
func UpFirDn2D(x *Node, f *Filter, up, down int, padding [4]int, gain float64) *Node {
	if x.Rank() != 4 {
		Panicf("ops.UpFirDn2D: x must be NCHW (rank 4), got %s", x.Shape())
	}
	if up < 1 || down < 1 {
		Panicf("ops.UpFirDn2D: up and down factors must be >= 1, got up=%d down=%d", up, down)
	}
	channels := x.Shape().Dimensions[1]
	kernel := ConvertDType(f.kernel(x.Graph(), channels, gain), x.DType())
	// XLA input dilation yields (dim-1)*up+1 samples; the reference upfirdn
	// keeps the up-1 trailing zeros, so they move into the high padding.
	paddings := [][2]int{
		{padding[2], padding[3] + up - 1}, // height
		{padding[0], padding[1] + up - 1}, // width
	}
	return ConvGeneralDilated(x, kernel, nchwAxes(),
		[]int{down, down}, paddings,
		[]int{up, up}, []int{1, 1}, channels, 1)
}

// Upsample2D upsamples x by the given integer factor, low-pass filtering with f.
func Upsample2D(x *Node, f *Filter, up int) *Node {
	if up == 1 {
		return x
	}
	fw := f.size
	pad := [4]int{
		(fw + up - 1) / 2, (fw - up) / 2,
		(fw + up - 1) / 2, (fw - up) / 2,
	}
	return UpFirDn2D(x, f, up, 1, pad, float64(up*up))
}

// Downsample2D downsamples x by the given integer factor, low-pass filtering
// with f first.
func Downsample2D(x *Node, f *Filter, down int) *Node {
	if down == 1 {
		return x
	}
	fw := f.size
	pad := [4]int{
		(fw - down + 1) / 2, (fw - down) / 2,
		(fw - down + 1) / 2, (fw - down) / 2,
	}
	return UpFirDn2D(x, f, 1, down, pad, 1)
}
