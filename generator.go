// Package mostgan assembles the full video generator: the latent-to-style
// mapping network, the per-frame motion encoder and the style-modulated
// synthesis ladder, producing temporally coherent frame sequences from a
// latent code, an optional class label and per-frame timestamps.
//
// The matching discriminator lives in the discriminator subpackage; the
// numeric building blocks (modulated convolutions, resampling, equalized
// dense layers) in ops, modconv and synthesis.
package mostgan

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/mostgan/mapping"
	"github.com/gomlx/mostgan/motion"
	"github.com/gomlx/mostgan/synthesis"
)

// GeneratorConfig bundles the configuration of the generator's three
// subnetworks.
type GeneratorConfig struct {
	// ZDim is the input latent dimensionality.
	ZDim int

	// CDim is the conditioning label dimensionality, zero for none.
	CDim int

	// MotionZDim is the motion noise dimensionality, zero for a
	// deterministic motion encoder.
	MotionZDim int

	// Synthesis configures the synthesis ladder.
	Synthesis synthesis.Config
}

// DefaultGeneratorConfig returns the standard generator for the given output
// resolution.
func DefaultGeneratorConfig(imgResolution int) GeneratorConfig {
	syn := synthesis.DefaultConfig()
	syn.ImgResolution = imgResolution
	return GeneratorConfig{
		ZDim:      512,
		Synthesis: syn,
	}
}

// Generator is the full image-sequence generator.
type Generator struct {
	cfg       GeneratorConfig
	mapper    *mapping.Network
	synthesis *synthesis.Network
}

// NewGenerator validates cfg and assembles the generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.ZDim <= 0 {
		return nil, errors.Errorf("mostgan: ZDim must be positive, got %d", cfg.ZDim)
	}

	var encoder synthesis.MotionEncoder
	if cfg.Synthesis.MotionVDim > 0 {
		encCfg := motion.DefaultEncoderConfig(cfg.Synthesis.MotionVDim)
		encCfg.CDim = cfg.CDim
		encCfg.ZDim = cfg.MotionZDim
		enc, err := motion.NewMappingNetwork(encCfg)
		if err != nil {
			return nil, err
		}
		encoder = enc
	}

	syn, err := synthesis.NewNetwork(cfg.Synthesis, encoder)
	if err != nil {
		return nil, err
	}
	mapper, err := mapping.New(mapping.DefaultConfig(
		cfg.ZDim, cfg.CDim, cfg.Synthesis.WDim, syn.NumWs()))
	if err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg, mapper: mapper, synthesis: syn}, nil
}

// NumWs returns how many per-layer styles the synthesis ladder consumes.
func (gen *Generator) NumWs() int { return gen.synthesis.NumWs() }

// GenerateOpts are the per-call options of Generator.Forward.
type GenerateOpts struct {
	// TruncationPsi interpolates styles toward the tracked average,
	// 1 = no truncation. Zero is treated as 1.
	TruncationPsi float64

	// TruncationCutoff limits truncation to the first N style slots,
	// zero for all.
	TruncationCutoff int

	// NoiseMode selects the per-pixel noise source.
	NoiseMode synthesis.NoiseMode

	// ForceFP32 disables reduced precision everywhere.
	ForceFP32 bool
}

// GeneratorOutput bundles the generator's results.
type GeneratorOutput struct {
	// Image is the frame batch [batch*numFrames, imgChannels, res, res],
	// frames of a video laid out consecutively.
	Image *Node

	// MotionWords is the motion word bank used, nil when motion
	// conditioning is disabled.
	MotionWords *Node

	// Sim is the scalar word-diversity diagnostic.
	Sim *Node
}

// Forward generates one video per sample. z is the latent [batch, zDim], c
// the optional label [batch, cDim], t the per-frame timestamps
// [batch, numFrames] and motionZ the optional motion noise.
func (gen *Generator) Forward(ctx *context.Context, z, c, t, motionZ *Node, opts GenerateOpts) GeneratorOutput {
	psi := opts.TruncationPsi
	if psi == 0 {
		psi = 1
	}
	ws := gen.mapper.Forward(ctx.In("mapping"), z, c, mapping.TruncationOpts{
		Psi:    psi,
		Cutoff: opts.TruncationCutoff,
	})
	img, motionWords, sim := gen.synthesis.Forward(ctx.In("synthesis"), ws, c, t, motionZ,
		synthesis.BlockOpts{
			NoiseMode: opts.NoiseMode,
			ForceFP32: opts.ForceFP32,
		})
	return GeneratorOutput{Image: img, MotionWords: motionWords, Sim: sim}
}
