package ops

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupFilter(t *testing.T) {
	f := SetupFilter([]float32{1, 3, 3, 1})
	require.Equal(t, 4, f.Size())

	var sum float32
	for _, row := range f.taps {
		for _, v := range row {
			sum += v
		}
	}
	assert.InDelta(t, 1.0, float64(sum), 1e-6, "2D filter taps must sum to one")
	assert.InDelta(t, 9.0/64.0, float64(f.taps[1][1]), 1e-6)
	assert.InDelta(t, 3.0/64.0, float64(f.taps[0][1]), 1e-6)

	require.Panics(t, func() { SetupFilter(nil) })
	require.Panics(t, func() { SetupFilter([]float32{1, -1}) })
}

func TestResampleShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "resample-shapes")
	f := DefaultFilter()

	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 8, 8))
	up := Upsample2D(x, f, 2)
	assert.Equal(t, []int{2, 3, 16, 16}, up.Shape().Dimensions)

	down := Downsample2D(x, f, 2)
	assert.Equal(t, []int{2, 3, 4, 4}, down.Shape().Dimensions)

	same := UpFirDn2D(x, f, 1, 1, [4]int{2, 1, 2, 1}, 1)
	assert.Equal(t, []int{2, 3, 8, 8}, same.Shape().Dimensions)
}

// A constant image must stay constant away from the borders: the filter sums
// to one and the upsampling gain compensates the inserted zeros.
func TestResamplePreservesConstant(t *testing.T) {
	graphtest.RunTestGraphFn(t, "resample constant interior",
		func(g *Graph) (inputs, outputs []*Node) {
			f := DefaultFilter()
			x := Ones(g, shapes.Make(dtypes.Float32, 1, 1, 8, 8))
			up := Upsample2D(x, f, 2)     // [1, 1, 16, 16]
			down := Downsample2D(x, f, 2) // [1, 1, 4, 4]
			inputs = []*Node{x}
			outputs = []*Node{
				ReduceAllSum(Slice(up, AxisElem(0), AxisElem(0), AxisElem(8), AxisElem(8))),
				ReduceAllSum(Slice(down, AxisElem(0), AxisElem(0), AxisElem(2), AxisElem(2))),
			}
			return
		}, []any{
			float32(1),
			float32(1),
		}, 1e-4)
}

func TestConv2DResampleIdentity(t *testing.T) {
	graphtest.RunTestGraphFn(t, "1x1 identity kernel",
		func(g *Graph) (inputs, outputs []*Node) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 3, 3))
			w := Ones(g, shapes.Make(dtypes.Float32, 1, 1, 1, 1))
			y := Conv2DResample(x, w, DefaultFilter(), 1, 1, 0, 1, true)
			inputs = []*Node{x}
			outputs = []*Node{ReduceAllMax(Abs(Sub(y, x)))}
			return
		}, []any{
			float32(0),
		}, 1e-6)
}

func TestConv2DResampleUpDownShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "conv2d-resample-shapes")
	f := DefaultFilter()
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 8, 8))

	w3 := IotaFull(g, shapes.Make(dtypes.Float32, 6, 4, 3, 3))
	assert.Equal(t, []int{2, 6, 16, 16}, Conv2DResample(x, w3, f, 2, 1, 1, 1, false).Shape().Dimensions)
	assert.Equal(t, []int{2, 6, 4, 4}, Conv2DResample(x, w3, f, 1, 2, 1, 1, true).Shape().Dimensions)
	assert.Equal(t, []int{2, 6, 8, 8}, Conv2DResample(x, w3, f, 1, 1, 1, 1, true).Shape().Dimensions)

	w1 := IotaFull(g, shapes.Make(dtypes.Float32, 6, 4, 1, 1))
	assert.Equal(t, []int{2, 6, 16, 16}, Conv2DResample(x, w1, f, 2, 1, 0, 1, false).Shape().Dimensions)
	assert.Equal(t, []int{2, 6, 4, 4}, Conv2DResample(x, w1, f, 1, 2, 0, 1, true).Shape().Dimensions)
}

func TestActivationDefaultGain(t *testing.T) {
	assert.Equal(t, 1.0, Linear.DefaultGain())
	assert.InDelta(t, math.Sqrt(2), ReLU.DefaultGain(), 1e-12)
	assert.InDelta(t, math.Sqrt(2), LeakyReLU.DefaultGain(), 1e-12)
	assert.Equal(t, 1.0, ActTanh.DefaultGain())
	assert.Equal(t, 1.0, ActSigmoid.DefaultGain())
	assert.Equal(t, "lrelu", LeakyReLU.String())
	assert.Equal(t, "tanh", ActTanh.String())
	assert.Equal(t, "sigmoid", ActSigmoid.String())
}

func TestBiasAct(t *testing.T) {
	graphtest.RunTestGraphFn(t, "bias+lrelu+gain+clamp",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{1, -1}})
			x = Reshape(x, 1, 2, 1, 1)
			bias := Const(g, []float32{0.5, 0})
			y := BiasAct(x, bias, LeakyReLU, math.Sqrt(2), 0.25)
			saturating := BiasAct(x, nil, ActTanh, 1, -1)
			inputs = []*Node{x}
			outputs = []*Node{Reshape(y, 1, 2), Reshape(saturating, 1, 2)}
			return
		}, []any{
			// lrelu(1.5)*sqrt2 clamps to 0.25; lrelu(-1)*sqrt2 = -0.2828
			// clamps to -0.25.
			[][]float32{{0.25, -0.25}},
			[][]float32{{0.7615942, -0.7615942}},
		}, 1e-5)
}
