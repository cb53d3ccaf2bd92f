package ops

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// DenseBuilder configures an equalized-learning-rate fully connected layer.
// Create it with Dense, configure, then call Done.
//
// Weights are initialized from N(0, 1/lrMul) and scaled at runtime by
// lrMul/sqrt(fanIn), so the effective per-weight learning rate is equalized
// across layers regardless of fan-in.
type DenseBuilder struct {
	ctx        *context.Context
	x          *Node
	outputDim  int
	useBias    bool
	biasInit   float64
	lrMul      float64
	activation Activation
	trainable  bool
}

// Dense prepares an equalized-learning-rate fully connected layer on x,
// shaped [batch, featuresIn]. Call DenseBuilder.Done to apply it.
func Dense(ctx *context.Context, x *Node) *DenseBuilder {
	if x.Rank() != 2 {
		Panicf("ops.Dense: x must be shaped [batch, features], got %s", x.Shape())
	}
	return &DenseBuilder{
		ctx:        ctx,
		x:          x,
		useBias:    true,
		lrMul:      1,
		activation: Linear,
		trainable:  true,
	}
}

// OutputDim sets the number of output features. Required.
func (b *DenseBuilder) OutputDim(dim int) *DenseBuilder {
	b.outputDim = dim
	return b
}

// Activation sets the activation applied after the linear transform, with its
// default gain. Default is Linear.
func (b *DenseBuilder) Activation(act Activation) *DenseBuilder {
	b.activation = act
	return b
}

// UseBias controls whether a bias term is added. Default is true.
func (b *DenseBuilder) UseBias(useBias bool) *DenseBuilder {
	b.useBias = useBias
	return b
}

// BiasInit sets the initial bias value. Default is 0.
func (b *DenseBuilder) BiasInit(value float64) *DenseBuilder {
	b.biasInit = value
	return b
}

// LRMultiplier sets the learning-rate multiplier. Default is 1.
func (b *DenseBuilder) LRMultiplier(lrMul float64) *DenseBuilder {
	b.lrMul = lrMul
	return b
}

// Trainable marks the layer's variables as trainable or frozen. Default is
// trainable.
func (b *DenseBuilder) Trainable(trainable bool) *DenseBuilder {
	b.trainable = trainable
	return b
}

// Done creates the variables (under the current context scope) and returns
// the transformed node, shaped [batch, outputDim].
func (b *DenseBuilder) Done() *Node {
	if b.outputDim <= 0 {
		Panicf("ops.Dense: OutputDim must be set to a positive value, got %d", b.outputDim)
	}
	x := b.x
	g := x.Graph()
	dtype := x.DType()
	fanIn := x.Shape().Dimensions[1]

	ctx := b.ctx.In("dense")
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0/b.lrMul))
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, fanIn, b.outputDim)).
		SetTrainable(b.trainable)
	weights := MulScalar(weightsVar.ValueGraph(g), b.lrMul/math.Sqrt(float64(fanIn)))
	output := MatMul(x, weights)

	var bias *Node
	if b.useBias {
		biasInit := b.biasInit
		biasVar := ctx.WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
			return FillScalar(g, shape, biasInit)
		}).VariableWithShape("biases", shapes.Make(dtype, b.outputDim)).
			SetTrainable(b.trainable)
		bias = biasVar.ValueGraph(g)
		if b.lrMul != 1 {
			bias = MulScalar(bias, b.lrMul)
		}
	}
	return BiasAct(output, bias, b.activation, b.activation.DefaultGain(), -1)
}
