package ops

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/ctxtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With a zero input the weights drop out and the output is fully determined
// by the bias initialization, activation and gain.
func TestDenseBiasPath(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "dense zero input",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Zeros(g, shapes.Make(dtypes.Float32, 2, 3))
			linear := Dense(ctx.In("linear"), x).OutputDim(2).BiasInit(1).Done()
			lrelu := Dense(ctx.In("lrelu"), x).OutputDim(1).BiasInit(-1).
				Activation(LeakyReLU).Done()
			noBias := Dense(ctx.In("nobias"), x).OutputDim(2).UseBias(false).Done()
			inputs = []*Node{x}
			outputs = []*Node{linear, lrelu, noBias}
			return
		}, []any{
			[][]float32{{1, 1}, {1, 1}},
			// lrelu(-1)*sqrt(2) = -0.2*1.41421.
			[][]float32{{-0.28284273}, {-0.28284273}},
			[][]float32{{0, 0}, {0, 0}},
		}, 1e-5)
}

func TestDenseShapeAndLRMultiplier(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "dense-shape")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 4, 7))
	y := Dense(ctx.In("fc"), x).OutputDim(5).LRMultiplier(0.01).Done()
	assert.Equal(t, []int{4, 5}, y.Shape().Dimensions)

	require.Panics(t, func() {
		Dense(ctx.In("bad"), x).Done() // OutputDim missing
	})
	require.Panics(t, func() {
		Dense(ctx, IotaFull(g, shapes.Make(dtypes.Float32, 4, 7, 2)))
	})
}

// spectralNormalize divides by the leading singular value; for a rank-1
// kernel the result is the unit-norm direction regardless of the random
// power-iteration seed.
func TestSpectralNormalize(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "spectral norm rank-1",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			w := Reshape(Const(g, []float32{3, 4}), 2, 1, 1, 1)
			normalized := spectralNormalize(ctx, w)
			inputs = []*Node{w}
			outputs = []*Node{Reshape(normalized, 2)}
			return
		}, []any{
			[]float32{0.6, 0.8},
		}, 1e-5)
}

func TestConv2DLayerShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "conv2d-layer")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 8, 8))

	y := Conv2D(ctx.In("plain"), x).Filters(6).Activation(LeakyReLU).Done()
	assert.Equal(t, []int{2, 6, 8, 8}, y.Shape().Dimensions)

	y = Conv2D(ctx.In("down"), x).Filters(6).Down(2).Done()
	assert.Equal(t, []int{2, 6, 4, 4}, y.Shape().Dimensions)

	y = Conv2D(ctx.In("up"), x).Filters(6).Up(2).Done()
	assert.Equal(t, []int{2, 6, 16, 16}, y.Shape().Dimensions)

	y = Conv2D(ctx.In("skip"), x).Filters(6).KernelSize(1).UseBias(false).Down(2).Done()
	assert.Equal(t, []int{2, 6, 4, 4}, y.Shape().Dimensions)

	require.Panics(t, func() {
		Conv2D(ctx.In("updown"), x).Filters(6).Up(2).Down(2).Done()
	})
}
