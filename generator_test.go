package mostgan

import (
	"math"
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

	"github.com/gomlx/mostgan/synthesis"
)

func testGeneratorConfig() GeneratorConfig {
	cfg := DefaultGeneratorConfig(32)
	cfg.ZDim = 32
	cfg.Synthesis.WDim = 64
	cfg.Synthesis.ChannelBase = 2048
	cfg.Synthesis.ChannelMax = 64
	cfg.Synthesis.MotionVDim = 16
	cfg.Synthesis.MotionNum = 4
	cfg.Synthesis.MotionDim = 32
	cfg.Synthesis.ModResolutions = []int{16, 32}
	cfg.Synthesis.AttentionResolutions = []int{32}
	return cfg
}

func generate(t *testing.T, cfg GeneratorConfig, seed int64) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	ctx := context.New()
	ctx.RngStateFromSeed(seed)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		z := Sin(MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, cfg.ZDim)), 0.7))
		ts := Const(g, [][]float32{{0, 1, 2}, {0, 2, 4}})
		out := gen.Forward(ctx, z, nil, ts, nil, GenerateOpts{NoiseMode: synthesis.NoiseConst})
		out.Sim.AssertScalar()
		if cfg.Synthesis.ConsistentMotion {
			out.MotionWords.AssertRank(3) // one shared bank
		} else {
			out.MotionWords.AssertRank(4) // per frame and slot
		}
		return out.Image
	})
	return exec.Call()[0]
}

func TestGeneratorEndToEnd(t *testing.T) {
	cfg := testGeneratorConfig()
	img := generate(t, cfg, 42)
	require.Equal(t, []int{6, 3, 32, 32}, img.Shape().Dimensions)

	var maxAbs float64
	for _, v := range tensors.CopyFlatData[float32](img) {
		require.False(t, math.IsNaN(float64(v)), "generated image contains NaN")
		require.False(t, math.IsInf(float64(v), 0), "generated image contains Inf")
		if a := math.Abs(float64(v)); a > maxAbs {
			maxAbs = a
		}
	}
	assert.Greater(t, maxAbs, 0.0, "image must not be all zeros")
}

func TestGeneratorDeterministicWithSeed(t *testing.T) {
	cfg := testGeneratorConfig()
	a := generate(t, cfg, 99)
	b := generate(t, cfg, 99)
	require.Equal(t, tensors.CopyFlatData[float32](a), tensors.CopyFlatData[float32](b))
}

func TestGeneratorConsistentMotion(t *testing.T) {
	cfg := testGeneratorConfig()
	cfg.Synthesis.ConsistentMotion = true
	img := generate(t, cfg, 5)
	require.Equal(t, []int{6, 3, 32, 32}, img.Shape().Dimensions)
}

func TestGeneratorNumWs(t *testing.T) {
	gen, err := NewGenerator(testGeneratorConfig())
	require.NoError(t, err)
	assert.Equal(t, 8, gen.NumWs())
}

func TestNewGeneratorValidation(t *testing.T) {
	cfg := testGeneratorConfig()
	cfg.ZDim = 0
	_, err := NewGenerator(cfg)
	require.Error(t, err)

	cfg = testGeneratorConfig()
	cfg.Synthesis.ImgResolution = 48
	_, err = NewGenerator(cfg)
	require.Error(t, err)
}
