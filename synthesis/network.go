package synthesis

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/mostgan/ops"
)

// MotionEncoder maps per-frame timestamps (and optional conditioning and
// noise) to per-frame motion codes shaped [batch*numFrames, vDim].
type MotionEncoder interface {
	Encode(ctx *context.Context, c, t, motionZ *Node) *Node
}

// Network is the full synthesis ladder: an ordered sequence of blocks from
// 4x4 up to the configured image resolution, plus the shared motion-word
// bank feeding the word-modulated blocks.
type Network struct {
	cfg     Config
	blocks  []*Block
	encoder MotionEncoder
	numWs   int
}

// NewNetwork validates the configuration and assembles the block ladder.
// The encoder is required when MotionVDim > 0 and ignored otherwise.
func NewNetwork(cfg Config, encoder MotionEncoder) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MotionVDim > 0 && encoder == nil {
		return nil, errors.Errorf("synthesis: MotionVDim=%d requires a motion encoder", cfg.MotionVDim)
	}
	if cfg.MotionVDim <= 0 {
		encoder = nil
	}
	n := &Network{cfg: cfg, encoder: encoder}
	for _, res := range cfg.Resolutions() {
		inChannels := 0
		if res > 4 {
			inChannels = cfg.NumChannels(res / 2)
		}
		isLast := res == cfg.ImgResolution
		b := newBlock(cfg, inChannels, cfg.NumChannels(res), res, isLast)
		n.blocks = append(n.blocks, b)
		n.numWs += b.NumConv()
		if isLast {
			n.numWs += b.NumToRGB()
		}
		if klog.V(2).Enabled() {
			klog.Infof("synthesis block %dx%d: %d -> %d channels, %d conv layers, attention=%v\n",
				res, res, inChannels, cfg.NumChannels(res), b.NumConv(), b.useAttention)
		}
	}
	return n, nil
}

// NumWs returns how many per-layer style vectors Forward expects per sample.
func (n *Network) NumWs() int { return n.numWs }

// Config returns the network configuration.
func (n *Network) Config() Config { return n.cfg }

// repeatInterleave repeats each leading-axis entry of x `repeats` times
// consecutively.
func repeatInterleave(x *Node, repeats int) *Node {
	dims := x.Shape().Dimensions
	y := InsertAxes(x, 1)
	broadcast := append([]int{dims[0], repeats}, dims[1:]...)
	y = BroadcastToDims(y, broadcast...)
	out := append([]int{dims[0] * repeats}, dims[1:]...)
	return Reshape(y, out...)
}

// motionWords builds the per-layer motion word bank, shaped
// [batch*numFrames, numWs, MotionNum, MotionDim]. In consistent mode a single
// bank is derived from the batch-mean style and shared by every sample;
// otherwise each frame gets its own bank conditioned on (w, motionV). The
// second return value is the bank before per-frame replication, useful for
// alignment losses.
func (n *Network) motionWords(ctx *context.Context, ws, motionV *Node, numFrames int) (motion, motionWords *Node) {
	cfg := n.cfg
	batchSize := ws.Shape().Dimensions[0]
	frameBatch := batchSize * numFrames

	mapWords := func(x *Node) *Node {
		h := ops.Dense(ctx.In("fc0"), x).
			OutputDim(cfg.MotionNum * cfg.WDim).
			Activation(ops.LeakyReLU).Done()
		return ops.Dense(ctx.In("fc1"), h).
			OutputDim(cfg.MotionNum * cfg.MotionDim).Done()
	}

	if cfg.ConsistentMotion {
		mean := Reshape(ReduceMean(ws, 0, 1), 1, cfg.WDim)
		motionWords = Reshape(mapWords(mean), 1, cfg.MotionNum, cfg.MotionDim)
		motion = InsertAxes(motionWords, 1)
		motion = BroadcastToDims(motion, frameBatch, n.numWs, cfg.MotionNum, cfg.MotionDim)
		return motion, motionWords
	}

	wsFrames := repeatInterleave(ws, numFrames)
	mv := InsertAxes(motionV, 1)
	mv = BroadcastToDims(mv, frameBatch, n.numWs, cfg.MotionVDim)
	joint := Concatenate([]*Node{wsFrames, mv}, 2)
	joint = Reshape(joint, frameBatch*n.numWs, cfg.WDim+cfg.MotionVDim)
	motion = Reshape(mapWords(joint), frameBatch, n.numWs, cfg.MotionNum, cfg.MotionDim)
	return motion, motion
}

// Forward synthesizes one image per frame. ws holds the per-video style
// vectors [batch, numWs, wDim]; t holds per-frame timestamps [batch,
// numFrames]; c is the optional conditioning passed to the motion encoder and
// motionZ the optional motion noise. The output image batch is
// [batch*numFrames, imgChannels, imgResolution, imgResolution], frames of a
// video laid out consecutively.
//
// It also returns the motion-word bank and the word-diversity diagnostic
// normalized by numWs.
func (n *Network) Forward(ctx *context.Context, ws, c, t, motionZ *Node, opts BlockOpts) (img, motionWords, sim *Node) {
	cfg := n.cfg
	ws.AssertDims(-1, n.numWs, cfg.WDim)
	t.AssertRank(2)
	numFrames := t.Shape().Dimensions[1]
	opts.NumFrames = numFrames

	motionV := opts.MotionV
	if motionV == nil && n.encoder != nil {
		motionV = n.encoder.Encode(ctx.In("motion_encoder"), c, t, motionZ)
	}
	if motionV != nil {
		motionV.AssertDims(ws.Shape().Dimensions[0]*numFrames, cfg.MotionVDim)
	}

	var motion *Node
	if cfg.MotionNum > 0 {
		if !cfg.ConsistentMotion && motionV == nil {
			Panicf("synthesis.Network: per-sample motion words require a motion encoder")
		}
		motion, motionWords = n.motionWords(ctx.In("multimotionmap"), ws, motionV, numFrames)
		motion = ConvertDType(motion, dtypes.Float32)
	}

	wsFrames := ConvertDType(repeatInterleave(ws, numFrames), dtypes.Float32)

	var x *Node
	var sims *Node
	wIdx := 0
	for _, b := range n.blocks {
		width := b.NumConv() + b.NumToRGB()
		curWs := Slice(wsFrames, AxisRange(), AxisRange(wIdx, wIdx+width), AxisRange())
		var curMs *Node
		if motion != nil {
			curMs = Slice(motion, AxisRange(), AxisRange(wIdx, wIdx+width), AxisRange(), AxisRange())
		}
		var blockSim *Node
		x, img, blockSim = b.Forward(ctx.In(fmt.Sprintf("b%d", b.Resolution())), x, img, curWs, curMs, motionV, opts)
		if sims == nil {
			sims = blockSim
		} else {
			sims = Add(sims, blockSim)
		}
		wIdx += b.NumConv()
	}
	sim = DivScalar(sims, float64(n.numWs))
	return img, motionWords, sim
}
