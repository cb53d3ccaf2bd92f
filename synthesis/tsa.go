package synthesis

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// tsa is the temporal self-attention module: scaled-free dot-product
// attention over the time axis, independently per spatial location, added
// back through a learned gate that starts at zero so the module is an
// identity at initialization.
type tsa struct {
	channels int
}

// Forward attends x, shaped [batch*numFrames, channels, h, w], over its
// frame groups and returns a tensor of the same shape. It always computes in
// full precision; the caller casts back to the block's working dtype.
func (a *tsa) Forward(ctx *context.Context, x *Node, numFrames int) *Node {
	g := x.Graph()
	x.AssertRank(4)
	bt := x.Shape().Dimensions[0]
	c, h, w := x.Shape().Dimensions[1], x.Shape().Dimensions[2], x.Shape().Dimensions[3]
	if c != a.channels {
		Panicf("synthesis.tsa: x has %d channels, module was built for %d", c, a.channels)
	}
	if numFrames < 1 || bt%numFrames != 0 {
		Panicf("synthesis.tsa: batch dimension %d is not a multiple of numFrames=%d", bt, numFrames)
	}
	b := bt / numFrames
	qkDim := max(c/8, 1)

	projection := func(name string, outDim int) (*Node, *Node) {
		scope := ctx.In(name)
		weight := scope.WithInitializer(initializers.RandomNormalFn(scope, 0.02)).
			VariableWithShape("weight", shapes.Make(dtypes.Float32, c, outDim)).ValueGraph(g)
		bias := scope.WithInitializer(initializers.Zero).
			VariableWithShape("bias", shapes.Make(dtypes.Float32, outDim)).ValueGraph(g)
		return weight, bias
	}
	qw, qb := projection("query", qkDim)
	kw, kb := projection("key", qkDim)
	vw, vb := projection("value", c)

	x5 := Reshape(x, b, numFrames, c, h, w)
	project := func(weight, bias *Node, outDim int) *Node {
		p := Einsum("btchw,cd->btdhw", x5, weight)
		return Add(p, Reshape(bias, 1, 1, outDim, 1, 1))
	}
	query := project(qw, qb, qkDim) // [b, t, d, h, w]
	key := project(kw, kb, qkDim)   // [b, s, d, h, w]
	value := project(vw, vb, c)     // [b, s, c, h, w]

	scores := Einsum("btdhw,bsdhw->bhwts", query, key)
	attention := Softmax(scores, -1)
	attended := Einsum("bhwts,bschw->btchw", attention, value)

	gamma := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("gamma", shapes.Make(dtypes.Float32)).ValueGraph(g)
	out := Add(Mul(attended, gamma), x5)
	return Reshape(out, bt, c, h, w)
}
