// Package motion implements the temporal conditioning subsystem: the
// per-frame motion code encoder, the temporal-difference embedding used by
// the discriminator, and the motion-alignment loss.
package motion

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/mostgan/ops"
)

// EncoderConfig describes a MappingNetwork.
type EncoderConfig struct {
	// VDim is the motion code dimensionality.
	VDim int

	// CDim is the conditioning label dimensionality, zero for none.
	CDim int

	// ZDim is the motion noise dimensionality, zero for a deterministic
	// encoder.
	ZDim int

	// NumFrequencies is how many Fourier frequency bands encode each
	// timestamp.
	NumFrequencies int

	// HiddenDim is the trunk width. Zero defaults to VDim.
	HiddenDim int
}

// DefaultEncoderConfig returns a deterministic encoder for the given code
// dimensionality.
func DefaultEncoderConfig(vDim int) EncoderConfig {
	return EncoderConfig{VDim: vDim, NumFrequencies: 16}
}

// MappingNetwork maps per-frame timestamps, optional conditioning and
// optional motion noise to per-frame motion codes. Timestamps are embedded
// with log-spaced Fourier features and pushed through a small dense trunk.
type MappingNetwork struct {
	cfg EncoderConfig
}

// NewMappingNetwork validates cfg and returns the encoder.
func NewMappingNetwork(cfg EncoderConfig) (*MappingNetwork, error) {
	if cfg.VDim <= 0 {
		return nil, errors.Errorf("motion: VDim must be positive, got %d", cfg.VDim)
	}
	if cfg.NumFrequencies <= 0 {
		return nil, errors.Errorf("motion: NumFrequencies must be positive, got %d", cfg.NumFrequencies)
	}
	return &MappingNetwork{cfg: cfg}, nil
}

// VDim returns the motion code dimensionality.
func (m *MappingNetwork) VDim() int { return m.cfg.VDim }

// fourierFeatures embeds x, shaped [batch, 1], as [batch, 2*numFrequencies]
// with log-spaced frequency bands starting at 1.
func fourierFeatures(x *Node, numFrequencies int) *Node {
	g := x.Graph()
	freqs := make([]float32, numFrequencies)
	for i := range freqs {
		freqs[i] = float32(math.Pow(2, float64(i)))
	}
	f := Const(g, freqs)
	phased := Mul(x, Reshape(f, 1, numFrequencies))
	return Concatenate([]*Node{Sin(phased), Cos(phased)}, 1)
}

// Encode returns motion codes shaped [batch*numFrames, VDim]. t holds
// per-frame timestamps [batch, numFrames]; c is the optional conditioning
// [batch, cDim] and motionZ the optional noise [batch, zDim], both repeated
// per frame.
func (m *MappingNetwork) Encode(ctx *context.Context, c, t, motionZ *Node) *Node {
	cfg := m.cfg
	t.AssertRank(2)
	batchSize := t.Shape().Dimensions[0]
	numFrames := t.Shape().Dimensions[1]
	frameBatch := batchSize * numFrames

	tFlat := Reshape(ConvertDType(t, dtypes.Float32), frameBatch, 1)
	x := fourierFeatures(tFlat, cfg.NumFrequencies)

	perFrame := func(v *Node, dim int) *Node {
		v = ConvertDType(v, dtypes.Float32)
		v.AssertDims(batchSize, dim)
		v = InsertAxes(v, 1)
		v = BroadcastToDims(v, batchSize, numFrames, dim)
		return Reshape(v, frameBatch, dim)
	}
	if cfg.CDim > 0 {
		if c == nil {
			Panicf("motion.MappingNetwork: c is required when CDim=%d", cfg.CDim)
		}
		x = Concatenate([]*Node{x, perFrame(c, cfg.CDim)}, 1)
	}
	if cfg.ZDim > 0 {
		if motionZ == nil {
			Panicf("motion.MappingNetwork: motionZ is required when ZDim=%d", cfg.ZDim)
		}
		x = Concatenate([]*Node{x, perFrame(motionZ, cfg.ZDim)}, 1)
	}

	hiddenDim := cfg.HiddenDim
	if hiddenDim == 0 {
		hiddenDim = cfg.VDim
	}
	x = ops.Dense(ctx.In("fc0"), x).OutputDim(hiddenDim).Activation(ops.LeakyReLU).Done()
	x = ops.Dense(ctx.In("fc1"), x).OutputDim(cfg.VDim).Done()
	return x
}
