package ops

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Conv2DBuilder configures a plain (non style-modulated) convolution layer
// with equalized learning rate, optional bias+activation, integrated up or
// downsampling and optional spectral normalization. Create it with Conv2D.
type Conv2DBuilder struct {
	ctx          *context.Context
	x            *Node
	filters      int
	kernelSize   int
	up, down     int
	useBias      bool
	activation   Activation
	gain         float64
	convClamp    float64
	trainable    bool
	spectralNorm bool
	filter       *Filter
}

// Conv2D prepares a plain convolution layer on the NCHW input x.
// Call Conv2DBuilder.Done to apply it.
func Conv2D(ctx *context.Context, x *Node) *Conv2DBuilder {
	if x.Rank() != 4 {
		Panicf("ops.Conv2D: x must be NCHW (rank 4), got %s", x.Shape())
	}
	return &Conv2DBuilder{
		ctx:        ctx,
		x:          x,
		kernelSize: 3,
		up:         1,
		down:       1,
		useBias:    true,
		activation: Linear,
		gain:       1,
		convClamp:  -1,
		trainable:  true,
		filter:     DefaultFilter(),
	}
}

// Filters sets the number of output channels. Required.
func (b *Conv2DBuilder) Filters(filters int) *Conv2DBuilder {
	b.filters = filters
	return b
}

// KernelSize sets the square kernel size. Default is 3.
func (b *Conv2DBuilder) KernelSize(size int) *Conv2DBuilder {
	b.kernelSize = size
	return b
}

// Up sets an integer upsampling factor applied with the convolution.
func (b *Conv2DBuilder) Up(up int) *Conv2DBuilder {
	b.up = up
	return b
}

// Down sets an integer downsampling factor applied with the convolution.
func (b *Conv2DBuilder) Down(down int) *Conv2DBuilder {
	b.down = down
	return b
}

// UseBias controls the bias term. Default is true.
func (b *Conv2DBuilder) UseBias(useBias bool) *Conv2DBuilder {
	b.useBias = useBias
	return b
}

// Activation sets the activation function. Default is Linear.
func (b *Conv2DBuilder) Activation(act Activation) *Conv2DBuilder {
	b.activation = act
	return b
}

// Gain sets an extra output gain multiplied into the activation gain.
// Default is 1.
func (b *Conv2DBuilder) Gain(gain float64) *Conv2DBuilder {
	b.gain = gain
	return b
}

// ConvClamp clamps the layer output to [-clamp, clamp] (scaled by Gain).
// Negative disables clamping, the default.
func (b *Conv2DBuilder) ConvClamp(clamp float64) *Conv2DBuilder {
	b.convClamp = clamp
	return b
}

// Trainable marks the layer's variables as trainable or frozen.
// Default is trainable.
func (b *Conv2DBuilder) Trainable(trainable bool) *Conv2DBuilder {
	b.trainable = trainable
	return b
}

// SpectralNorm enables spectral normalization of the kernel through one
// power-iteration step per forward pass.
func (b *Conv2DBuilder) SpectralNorm(enabled bool) *Conv2DBuilder {
	b.spectralNorm = enabled
	return b
}

// ResampleFilter overrides the low-pass filter used when resampling.
func (b *Conv2DBuilder) ResampleFilter(f *Filter) *Conv2DBuilder {
	b.filter = f
	return b
}

// Done creates the variables (under the current context scope) and returns
// the convolved node.
func (b *Conv2DBuilder) Done() *Node {
	if b.filters <= 0 {
		Panicf("ops.Conv2D: Filters must be set to a positive value, got %d", b.filters)
	}
	if b.up > 1 && b.down > 1 {
		Panicf("ops.Conv2D: up and down cannot both be > 1 (up=%d, down=%d)", b.up, b.down)
	}
	x := b.x
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dimensions[1]
	k := b.kernelSize

	ctx := b.ctx.In("conv2d")
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1))
	weightVar := ctx.VariableWithShape("weight",
		shapes.Make(dtype, b.filters, inChannels, k, k)).SetTrainable(b.trainable)
	weightGain := 1.0 / math.Sqrt(float64(inChannels*k*k))
	weight := MulScalar(weightVar.ValueGraph(g), weightGain)
	if b.spectralNorm {
		weight = spectralNormalize(ctx, weight)
	}

	flipWeight := b.up == 1
	x = Conv2DResample(x, ConvertDType(weight, dtype), b.filter, b.up, b.down, k/2, 1, flipWeight)

	var bias *Node
	if b.useBias {
		biasVar := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("bias", shapes.Make(dtype, b.filters)).
			SetTrainable(b.trainable)
		bias = biasVar.ValueGraph(g)
	}
	actGain := b.activation.DefaultGain() * b.gain
	actClamp := -1.0
	if b.convClamp >= 0 {
		actClamp = b.convClamp * b.gain
	}
	return BiasAct(x, bias, b.activation, actGain, actClamp)
}

// spectralNormalize divides the OIHW kernel by an estimate of its largest
// singular value, refreshed with one power-iteration step per forward pass.
// The iteration vector persists in a non-trainable variable.
func spectralNormalize(ctx *context.Context, w *Node) *Node {
	g := w.Graph()
	dims := w.Shape().Dimensions
	outChannels := dims[0]
	cols := dims[1] * dims[2] * dims[3]
	wMat := Reshape(w, outChannels, cols)

	uVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1)).
		VariableWithShape("spectral_u", shapes.Make(w.DType(), outChannels, 1)).
		SetTrainable(false)
	u := uVar.ValueGraph(g)

	v := L2Normalize(MatMul(Transpose(wMat, 0, 1), u), 0) // [cols, 1]
	uNext := L2Normalize(MatMul(wMat, v), 0)              // [outChannels, 1]
	uVar.SetValueGraph(StopGradient(uNext))

	sigma := ReduceAllSum(Mul(uNext, MatMul(wMat, v)))
	return Div(w, ConvertDType(sigma, w.DType()))
}
