package discriminator

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/mostgan/mapping"
	"github.com/gomlx/mostgan/motion"
)

// Discriminator scores batches of video frames. Frames run through the
// pyramid independently down to ConcatRes, are concatenated per video there,
// and the epilogue reduces the 4x4 features to one logit per video.
type Discriminator struct {
	cfg         Config
	blocks      []*Block
	resolutions []int
	timeEncoder *motion.TemporalDifferenceEncoder
	cmapper     *mapping.Network
	epi         *epilogue
	cmapDim     int
}

// Output bundles the discriminator's results.
type Output struct {
	// ImageLogits is the per-video realness score, shaped [batch].
	ImageLogits *Node

	// Hidden is the epilogue's pooled hidden vector, shaped
	// [batch, hiddenDim].
	Hidden *Node
}

// New validates cfg and assembles the pyramid.
func New(cfg Config) (*Discriminator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Discriminator{cfg: cfg, resolutions: cfg.Resolutions()}

	if cfg.NumFrames > 1 {
		enc, err := motion.NewTemporalDifferenceEncoder(cfg.NumFrames, cfg.TimeFrequencies)
		if err != nil {
			return nil, err
		}
		d.timeEncoder = enc
	}

	d.cmapDim = cfg.CMapDim
	if d.cmapDim == 0 {
		d.cmapDim = cfg.NumChannels(4)
	}
	if cfg.CDim == 0 && d.timeEncoder == nil {
		d.cmapDim = 0
	}

	layerIdx := 0
	for _, res := range d.resolutions {
		inChannels := 0
		if res < cfg.ImgResolution {
			inChannels = cfg.NumChannels(res)
		}
		tmpChannels := cfg.NumChannels(res)
		outChannels := cfg.NumChannels(res / 2)
		if res/2 == cfg.ConcatRes {
			outChannels /= cfg.NumFramesDivFactor
		}
		if res == cfg.ConcatRes {
			inChannels = inChannels / cfg.NumFramesDivFactor * cfg.framesFactor()
		}
		b := newBlock(cfg, inChannels, tmpChannels, outChannels, res, layerIdx)
		d.blocks = append(d.blocks, b)
		layerIdx += b.NumLayers()
		if klog.V(2).Enabled() {
			klog.Infof("discriminator block %dx%d: %d -> %d channels, %d layers\n",
				res, res, inChannels, outChannels, b.NumLayers())
		}
	}

	if d.cmapDim > 0 {
		totalCDim := cfg.CDim
		if d.timeEncoder != nil {
			totalCDim += d.timeEncoder.Dim()
		}
		m, err := mapping.New(mapping.Config{
			CDim:         totalCDim,
			WDim:         d.cmapDim,
			NumLayers:    8,
			LRMultiplier: 0.01,
		})
		if err != nil {
			return nil, err
		}
		d.cmapper = m
	}

	epilogueIn := cfg.NumChannels(4)
	if 4 == cfg.ConcatRes {
		return nil, errors.Errorf("discriminator: ConcatRes cannot be the epilogue resolution")
	}
	d.epi = newEpilogue(cfg, epilogueIn, d.cmapDim)
	return d, nil
}

// motionDiffStack interleaves each video's frames with its consecutive-frame
// differences along the batch axis, doubling the per-video frame count.
func (d *Discriminator) motionDiffStack(img *Node, numVideos int) *Node {
	dims := img.Shape().Dimensions
	c, h, w := dims[1], dims[2], dims[3]
	t := d.cfg.NumFrames

	v := Reshape(img, numVideos, t, c, h, w)
	rolled := Concatenate([]*Node{
		Slice(v, AxisRange(), AxisRangeToEnd(1)),
		Slice(v, AxisRange(), AxisRangeFromStart(1)),
	}, 1)
	diff := Sub(v, rolled)
	stacked := Concatenate([]*Node{v, diff}, 1)
	return Reshape(stacked, numVideos*2*t, c, h, w)
}

// Forward scores img, a batch of frames [numVideos*numFrames, imgChannels,
// imgResolution, imgResolution] with frames of a video laid out
// consecutively. c is the conditioning label [numVideos, cDim] (nil when
// unconditional), t the per-frame timestamps [numVideos, numFrames], and
// motionWords the generator's motion word bank (nil disables motion
// attention).
func (d *Discriminator) Forward(ctx *context.Context, img, c, t, motionWords *Node, forceFP32 bool) Output {
	cfg := d.cfg
	t.AssertDims(-1, cfg.NumFrames)
	numVideos := t.Shape().Dimensions[0]
	img.AssertDims(numVideos*cfg.NumFrames, cfg.ImgChannels, cfg.ImgResolution, cfg.ImgResolution)

	if cfg.MotionDiff {
		img = d.motionDiffStack(img, numVideos)
	}

	if d.timeEncoder != nil {
		tEmb := d.timeEncoder.Encode(ctx.In("time_encoder"), t)
		if c != nil {
			c = Concatenate([]*Node{c, tEmb}, 1)
		} else {
			c = tEmb
		}
	}

	var x *Node
	for i, b := range d.blocks {
		if d.resolutions[i] == cfg.ConcatRes {
			dims := x.Shape().Dimensions
			perVideo := dims[0] / numVideos
			x = Reshape(x, numVideos, perVideo*dims[1], dims[2], dims[3])
		}
		x, img = b.Forward(ctx.In(fmt.Sprintf("b%d", d.resolutions[i])), x, img, forceFP32)
	}

	var cmap *Node
	if d.cmapDim > 0 {
		if c == nil {
			Panicf("discriminator: conditioning required with CDim=%d", cfg.CDim)
		}
		cmap = d.cmapper.Forward(ctx.In("mapping"), nil, c, mapping.TruncationOpts{Psi: 1})
	}
	if !cfg.MotionAttention {
		motionWords = nil
	}

	logits, hidden := d.epi.Forward(ctx.In("b4"), x, img, cmap, motionWords)
	return Output{
		ImageLogits: Reshape(logits, numVideos),
		Hidden:      hidden,
	}
}
