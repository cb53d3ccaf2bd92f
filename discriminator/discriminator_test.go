package discriminator

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
)

func testConfig() Config {
	cfg := DefaultConfig(32, 2)
	cfg.ChannelBase = 2048
	cfg.ChannelMax = 64
	cfg.HiddenDim = 32
	cfg.ConcatRes = 16
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.ImgResolution = 40
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.ConcatRes = 0 // multi-frame input needs a merge point
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.MotionDiff = true
	bad.ConcatRes = 0
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.Architecture = "pyramid"
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.Architecture = ArchSkip
	require.Error(t, bad.Validate())
}

// Frozen layers are decided at construction from the running global layer
// index, starting at the top-resolution block.
func TestFreezeLayers(t *testing.T) {
	cfg := testConfig()
	cfg.FreezeLayers = 2
	d, err := New(cfg)
	require.NoError(t, err)

	top := d.blocks[0]
	require.True(t, top.hasFromRGB)
	assert.False(t, top.fromRGBTrainable)
	assert.False(t, top.conv0Trainable)
	assert.True(t, top.conv1Trainable)
	assert.True(t, top.skipTrainable)

	next := d.blocks[1]
	assert.True(t, next.conv0Trainable)
}

func TestMinibatchStdStatistics(t *testing.T) {
	graphtest.RunTestGraphFn(t, "minibatch std",
		func(g *Graph) (inputs, outputs []*Node) {
			m := &MinibatchStd{GroupSize: 4, NumChannels: 1}

			identical := Ones(g, shapes.Make(dtypes.Float32, 4, 6, 2, 2))
			outIdentical := m.Forward(identical)
			outIdentical.AssertDims(4, 7, 2, 2)

			varied := IotaFull(g, shapes.Make(dtypes.Float32, 4, 6, 2, 2))
			outVaried := m.Forward(varied)

			statIdentical := Slice(outIdentical, AxisRange(), AxisElem(6))
			statVaried := Slice(outVaried, AxisRange(), AxisElem(6))
			inputs = []*Node{identical, varied}
			outputs = []*Node{
				ReduceAllMax(Abs(statIdentical)),
				// Samples are constant shifts of 24 of each other, so
				// every position has group std sqrt(720).
				ReduceAllMin(statVaried),
			}
			return
		}, []any{
			float32(1e-4), // sqrt of the 1e-8 stabilizer
			float32(26.832815),
		}, 1e-3)
}

func TestMinibatchStdRejectsBadGrouping(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "mbstd-bad-group")
	m := &MinibatchStd{GroupSize: 3, NumChannels: 1}
	x := IotaFull(g, shapes.Make(dtypes.Float32, 4, 6, 2, 2))
	require.Panics(t, func() { m.Forward(x) })
}

func runDiscriminator(t *testing.T, cfg Config) (*tensors.Tensor, *tensors.Tensor) {
	backend := graphtest.BuildTestBackend()
	d, err := New(cfg)
	require.NoError(t, err)

	ctx := context.New()
	ctx.RngStateFromSeed(11)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		numVideos := 2
		img := Sin(MulScalar(IotaFull(g, shapes.Make(dtypes.Float32,
			numVideos*cfg.NumFrames, cfg.ImgChannels, cfg.ImgResolution, cfg.ImgResolution)), 0.03))
		ts := Const(g, [][]float32{{0, 1}, {0, 2}})
		out := d.Forward(ctx, img, nil, ts, nil, false)
		out.ImageLogits.AssertDims(numVideos)
		out.Hidden.AssertDims(numVideos, cfg.HiddenDim)
		return []*Node{out.ImageLogits, out.Hidden}
	})
	results := exec.Call()
	return results[0], results[1]
}

func TestDiscriminatorForward(t *testing.T) {
	logits, hidden := runDiscriminator(t, testConfig())
	require.Equal(t, []int{2}, logits.Shape().Dimensions)
	require.Equal(t, []int{2, 32}, hidden.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](logits) {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
	}
}

func TestDiscriminatorMotionDiff(t *testing.T) {
	cfg := testConfig()
	cfg.MotionDiff = true
	logits, _ := runDiscriminator(t, cfg)
	require.Equal(t, []int{2}, logits.Shape().Dimensions)
}

func TestDiscriminatorSpectralNormOrig(t *testing.T) {
	cfg := testConfig()
	cfg.Architecture = ArchOrig
	cfg.SpectralNorm = true
	logits, _ := runDiscriminator(t, cfg)
	require.Equal(t, []int{2}, logits.Shape().Dimensions)
}

// A residual block fed unit-variance noise should keep the output variance
// within a bounded ratio of the input variance.
func TestResnetBlockVariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	b := newBlock(cfg, 64, 64, 64, 16, 0)

	ctx := context.New()
	ctx.RngStateFromSeed(5)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 8, 64, 16, 16))
		y, _ := b.Forward(ctx, x, nil, false)
		y.AssertDims(8, 64, 8, 8)
		mean := ReduceAllMean(y)
		return ReduceAllMean(Square(Sub(y, mean)))
	})
	variance := tensors.CopyFlatData[float32](exec.Call()[0])[0]
	require.Greater(t, variance, float32(0.05))
	require.Less(t, variance, float32(20))
}

// Stacking each video's frame differences doubles the per-video frame count
// and the diff of a constant video is zero.
func TestMotionDiffStack(t *testing.T) {
	graphtest.RunTestGraphFn(t, "motion diff stack",
		func(g *Graph) (inputs, outputs []*Node) {
			cfg := testConfig()
			cfg.MotionDiff = true
			d := &Discriminator{cfg: cfg}

			img := Ones(g, shapes.Make(dtypes.Float32, 4, 3, 8, 8))
			stacked := d.motionDiffStack(img, 2)
			stacked.AssertDims(8, 3, 8, 8)

			frames := Slice(stacked, AxisRangeFromStart(2))
			diffs := Slice(stacked, AxisRange(2, 4))
			inputs = []*Node{img}
			outputs = []*Node{
				ReduceAllMin(frames),
				ReduceAllMax(Abs(diffs)),
			}
			return
		}, []any{
			float32(1),
			float32(0),
		}, 0)
}
