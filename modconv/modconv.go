// Package modconv implements the style-modulated 2D convolution operator:
// per-sample modulation of a shared kernel by a global style vector and an
// optional low-rank motion-word perturbation, followed by weight
// demodulation for training stability.
//
// The operator runs in one of two numerically equivalent modes: unfused
// (scale activations before and after a shared-weight convolution) and fused
// (one grouped convolution where every sample convolves with its own
// modulated weight).
package modconv

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/ops"
)

// ConvBuilder configures one application of the modulated convolution
// operator. Create it with Conv, configure, then call Done.
type ConvBuilder struct {
	x, weight  *Node
	style      *Node
	words      *Node
	noise      *Node
	up, down   int
	padding    int
	filter     *ops.Filter
	demodulate bool
	flipWeight bool
	fused      bool
	detachSim  bool
}

// Conv prepares a modulated convolution of the NCHW input x with the shared
// OIHW weight. At least one of Style or Words must be supplied before Done.
func Conv(x, weight *Node) *ConvBuilder {
	if x.Rank() != 4 {
		Panicf("modconv.Conv: x must be NCHW (rank 4), got %s", x.Shape())
	}
	if weight.Rank() != 4 {
		Panicf("modconv.Conv: weight must be OIHW (rank 4), got %s", weight.Shape())
	}
	if x.Shape().Dimensions[1] != weight.Shape().Dimensions[1] {
		Panicf("modconv.Conv: x channels (%d) must match weight input channels (%d)",
			x.Shape().Dimensions[1], weight.Shape().Dimensions[1])
	}
	return &ConvBuilder{
		x:          x,
		weight:     weight,
		up:         1,
		down:       1,
		filter:     ops.DefaultFilter(),
		demodulate: true,
		flipWeight: true,
		fused:      true,
		detachSim:  true,
	}
}

// Style sets the global per-channel modulation, shaped [batch, inChannels].
func (b *ConvBuilder) Style(style *Node) *ConvBuilder {
	b.style = style
	return b
}

// Words sets the low-rank motion-word modulation tensor, shaped
// [batch, numWords, rank, inChannels+kh+kw]. Nil disables word modulation.
func (b *ConvBuilder) Words(words *Node) *ConvBuilder {
	b.words = words
	return b
}

// Noise sets an optional noise map added to the output activations, shaped
// [batch, 1, outH, outW] (or broadcastable to the output).
func (b *ConvBuilder) Noise(noise *Node) *ConvBuilder {
	b.noise = noise
	return b
}

// Up sets an integer upsampling factor. Default is 1.
func (b *ConvBuilder) Up(up int) *ConvBuilder {
	b.up = up
	return b
}

// Down sets an integer downsampling factor. Default is 1.
func (b *ConvBuilder) Down(down int) *ConvBuilder {
	b.down = down
	return b
}

// Padding sets the padding with respect to the upsampled image. Default is 0.
func (b *ConvBuilder) Padding(padding int) *ConvBuilder {
	b.padding = padding
	return b
}

// ResampleFilter sets the low-pass filter applied when resampling.
func (b *ConvBuilder) ResampleFilter(f *ops.Filter) *ConvBuilder {
	b.filter = f
	return b
}

// Demodulate toggles weight demodulation. Default is true.
func (b *ConvBuilder) Demodulate(demodulate bool) *ConvBuilder {
	b.demodulate = demodulate
	return b
}

// FlipWeight selects correlation (true) vs. convolution (false) orientation.
// Default is true.
func (b *ConvBuilder) FlipWeight(flipWeight bool) *ConvBuilder {
	b.flipWeight = flipWeight
	return b
}

// Fused selects the grouped-convolution execution mode where every sample
// convolves with its own modulated weight. Default is true. The unfused mode
// scales activations instead and requires per-sample weights only for the
// demodulation coefficients; word modulation then only affects demodulation.
func (b *ConvBuilder) Fused(fused bool) *ConvBuilder {
	b.fused = fused
	return b
}

// DetachSim controls whether the "sim" diagnostic participates in gradients.
// Default is true (detached).
func (b *ConvBuilder) DetachSim(detach bool) *ConvBuilder {
	b.detachSim = detach
	return b
}

// Done builds the operator and returns the output feature map plus the "sim"
// diagnostic scalar (zero when word modulation is absent).
func (b *ConvBuilder) Done() (out, sim *Node) {
	x, weight := b.x, b.weight
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	outChannels, inChannels := weight.Shape().Dimensions[0], weight.Shape().Dimensions[1]
	kh, kw := weight.Shape().Dimensions[2], weight.Shape().Dimensions[3]
	style, words := b.style, b.words
	if style == nil && words == nil {
		Panicf("modconv.Conv: at least one of Style or Words must be set")
	}
	if style != nil {
		style.AssertDims(batchSize, inChannels)
	}

	halfPrecision := x.DType() == dtypes.Float16

	// Pre-normalize inputs to avoid reduced-precision overflow.
	if halfPrecision && b.demodulate {
		maxAbs := ReduceAndKeep(Abs(weight), ReduceMax, 1, 2, 3)
		weight = Div(MulScalar(weight, 1/math.Sqrt(float64(inChannels*kh*kw))), maxAbs)
		if style != nil {
			styleMax := ReduceAndKeep(Abs(style), ReduceMax, 1)
			style = Div(style, styleMax)
		}
	}

	sim = NeutralSim(g)

	// Per-sample weights and demodulation coefficients.
	var w *Node      // [batch, out, in, kh, kw]
	var dcoefs *Node // [batch, out]
	if b.demodulate || b.fused {
		base := Reshape(weight, 1, outChannels, inChannels, kh, kw)
		if style != nil {
			w = Mul(base, Reshape(style, batchSize, 1, inChannels, 1, 1))
		} else {
			w = BroadcastToDims(base, batchSize, outChannels, inChannels, kh, kw)
		}
		if words != nil {
			w, sim = ApplyWordStyles(w, words, halfPrecision && b.demodulate, b.detachSim)
		}
	}
	if b.demodulate {
		dcoefs = Rsqrt(AddScalar(ReduceSum(Square(w), 2, 3, 4), 1e-8)) // [batch, out]
	}
	if b.demodulate && b.fused {
		w = Mul(w, Reshape(dcoefs, batchSize, outChannels, 1, 1, 1))
	}

	if !b.fused {
		// Execute by scaling the activations before and after a shared-weight
		// convolution.
		if style != nil {
			x = Mul(x, ConvertDType(Reshape(style, batchSize, inChannels, 1, 1), x.DType()))
		}
		x = ops.Conv2DResample(x, ConvertDType(weight, x.DType()), b.filter,
			b.up, b.down, b.padding, 1, b.flipWeight)
		if b.demodulate {
			x = Mul(x, ConvertDType(Reshape(dcoefs, batchSize, outChannels, 1, 1), x.DType()))
		}
		if b.noise != nil {
			x = Add(x, ConvertDType(b.noise, x.DType()))
		}
		return x, sim
	}

	// Execute as one grouped convolution, one group per sample.
	height, width := x.Shape().Dimensions[2], x.Shape().Dimensions[3]
	x = Reshape(x, 1, batchSize*inChannels, height, width)
	w = Reshape(w, batchSize*outChannels, inChannels, kh, kw)
	x = ops.Conv2DResample(x, ConvertDType(w, x.DType()), b.filter,
		b.up, b.down, b.padding, batchSize, b.flipWeight)
	x = Reshape(x, batchSize, outChannels, x.Shape().Dimensions[2], x.Shape().Dimensions[3])
	if b.noise != nil {
		x = Add(x, ConvertDType(b.noise, x.DType()))
	}
	return x, sim
}
