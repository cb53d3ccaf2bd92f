package synthesis

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/ops"
)

// genInput produces the initial 4x4 feature map of the first synthesis
// block: a learned constant, optionally concatenated with a projection of
// the per-frame motion vector so motion information reaches the synthesis
// stack from the very bottom.
type genInput struct {
	channels   int
	motionVDim int
	resolution int
}

func newGenInput(channels, motionVDim int) *genInput {
	return &genInput{channels: channels, motionVDim: motionVDim, resolution: 4}
}

// totalChannels is the channel count of the produced feature map.
func (gi *genInput) totalChannels() int {
	if gi.motionVDim > 0 {
		return 2 * gi.channels
	}
	return gi.channels
}

// Forward builds the input feature map for batchSize samples. motionV, when
// motion conditioning is on, is shaped [batchSize, motionVDim] (already
// per-frame). dtype is the working dtype of the first block.
func (gi *genInput) Forward(ctx *context.Context, g *Graph, batchSize int, motionV *Node, dtype dtypes.DType) *Node {
	r := gi.resolution
	constVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1)).
		VariableWithShape("const", shapes.Make(dtypes.Float32, gi.channels, r, r))
	x := Reshape(constVar.ValueGraph(g), 1, gi.channels, r, r)
	x = BroadcastToDims(x, batchSize, gi.channels, r, r)

	if gi.motionVDim > 0 {
		motionV.AssertDims(batchSize, gi.motionVDim)
		proj := ops.Dense(ctx.In("motion_proj"), motionV).
			OutputDim(gi.channels).Activation(ops.LeakyReLU).Done()
		proj = Reshape(proj, batchSize, gi.channels, 1, 1)
		proj = BroadcastToDims(proj, batchSize, gi.channels, r, r)
		x = Concatenate([]*Node{x, proj}, 1)
	}
	return ConvertDType(x, dtype)
}
