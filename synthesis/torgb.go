package synthesis

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/modconv"
	"github.com/gomlx/mostgan/ops"
)

// toRGB projects a feature map to color channels with a 1x1 style-modulated
// convolution, without demodulation. It always runs in full precision.
type toRGB struct {
	inChannels  int
	outChannels int
	convClamp   float64
}

// Forward projects x using the style vector w. fusedModConv selects the
// grouped execution mode of the modulated convolution.
func (t *toRGB) Forward(ctx *context.Context, x, w *Node, fusedModConv bool) *Node {
	g := x.Graph()
	x = ConvertDType(x, dtypes.Float32)

	weight := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1)).
		VariableWithShape("weight", shapes.Make(dtypes.Float32, t.outChannels, t.inChannels, 1, 1)).
		ValueGraph(g)
	bias := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(dtypes.Float32, t.outChannels)).
		ValueGraph(g)

	weightGain := 1 / math.Sqrt(float64(t.inChannels))
	style := ops.Dense(ctx.In("affine"), w).OutputDim(t.inChannels).BiasInit(1).Done()
	style = MulScalar(style, weightGain)

	x, _ = modconv.Conv(x, weight).
		Style(style).
		Demodulate(false).
		Fused(fusedModConv).
		Done()
	return ops.BiasAct(x, bias, ops.Linear, 1, t.convClamp)
}
