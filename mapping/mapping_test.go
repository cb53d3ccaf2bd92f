package mapping

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{WDim: 8, NumLayers: 2})
	require.Error(t, err, "needs ZDim or CDim")

	_, err = New(Config{ZDim: 4, NumLayers: 2})
	require.Error(t, err, "needs WDim")

	_, err = New(Config{ZDim: 4, WDim: 8})
	require.Error(t, err, "needs NumLayers")

	n, err := New(DefaultConfig(16, 0, 8, 5))
	require.NoError(t, err)
	assert.Equal(t, 5, n.NumWs())
}

func TestNormalize2ndMoment(t *testing.T) {
	graphtest.RunTestGraphFn(t, "second moment normalization",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{3, -3, 3, -3}, {1, 1, 1, 1}})
			normalized := normalize2ndMoment(x)
			meanSq := ReduceMean(Square(normalized), 1)
			inputs = []*Node{x}
			outputs = []*Node{meanSq}
			return
		}, []any{
			[]float32{1, 1},
		}, 1e-4)
}

// runMapping executes one inference forward pass: the context defaults to
// inference mode, so the w average stays at its zero initialization.
func runMapping(t *testing.T, cfg Config, opts TruncationOpts) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	n, err := New(cfg)
	require.NoError(t, err)

	ctx := context.New()
	ctx.RngStateFromSeed(17)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		z := Sin(IotaFull(g, shapes.Make(dtypes.Float32, 3, cfg.ZDim)))
		return n.Forward(ctx, z, nil, opts)
	})
	return exec.Call()[0]
}

func TestForwardShapes(t *testing.T) {
	cfg := DefaultConfig(16, 0, 8, 5)
	cfg.NumLayers = 2
	w := runMapping(t, cfg, TruncationOpts{Psi: 1})
	require.Equal(t, []int{3, 5, 8}, w.Shape().Dimensions)

	cfg.NumWs = 0
	cfg.WAvgBeta = 0
	w = runMapping(t, cfg, TruncationOpts{Psi: 1})
	require.Equal(t, []int{3, 8}, w.Shape().Dimensions)
}

// With psi=0 every style collapses onto the tracked average, which starts at
// zero.
func TestTruncationFullCollapse(t *testing.T) {
	cfg := DefaultConfig(16, 0, 8, 4)
	cfg.NumLayers = 2
	w := runMapping(t, cfg, TruncationOpts{Psi: 0})
	for _, v := range tensors.CopyFlatData[float32](w) {
		require.Equal(t, float32(0), v)
	}
}

// A truncation cutoff leaves the tail slots untouched.
func TestTruncationCutoff(t *testing.T) {
	cfg := DefaultConfig(16, 0, 8, 4)
	cfg.NumLayers = 2
	full := runMapping(t, cfg, TruncationOpts{Psi: 1})
	cut := runMapping(t, cfg, TruncationOpts{Psi: 0, Cutoff: 2})

	fullData := tensors.CopyFlatData[float32](full)
	cutData := tensors.CopyFlatData[float32](cut)
	wDim := 8
	for sample := 0; sample < 3; sample++ {
		base := sample * 4 * wDim
		for i := 0; i < 2*wDim; i++ {
			require.Equal(t, float32(0), cutData[base+i], "truncated head slot")
		}
		for i := 2 * wDim; i < 4*wDim; i++ {
			require.InDelta(t, fullData[base+i], cutData[base+i], 1e-6, "untouched tail slot")
		}
	}
}
