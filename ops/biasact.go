package ops

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Activation identifies one of the supported activation functions, each with
// its default output gain (the gain that keeps the activation roughly
// variance-preserving for unit-variance gaussian inputs).
type Activation int

const (
	// Linear is the identity activation, default gain 1.
	Linear Activation = iota

	// ReLU activation, default gain sqrt(2).
	ReLU

	// LeakyReLU activation with negative slope 0.2, default gain sqrt(2).
	LeakyReLU

	// ActTanh is the tanh activation, default gain 1. Named to avoid
	// clashing with graph.Tanh in the file block.
	ActTanh

	// ActSigmoid is the sigmoid activation, default gain 1.
	ActSigmoid
)

// String implements fmt.Stringer.
func (a Activation) String() string {
	switch a {
	case Linear:
		return "linear"
	case ReLU:
		return "relu"
	case LeakyReLU:
		return "lrelu"
	case ActTanh:
		return "tanh"
	case ActSigmoid:
		return "sigmoid"
	}
	return "invalid"
}

// DefaultGain returns the activation's default output gain.
func (a Activation) DefaultGain() float64 {
	switch a {
	case ReLU, LeakyReLU:
		return math.Sqrt(2)
	default:
		return 1
	}
}

// apply computes the plain activation function, without gain.
func (a Activation) apply(x *Node) *Node {
	switch a {
	case Linear:
		return x
	case ReLU:
		return activations.Relu(x)
	case LeakyReLU:
		return activations.LeakyReluWithAlpha(x, 0.2)
	case ActTanh:
		return Tanh(x)
	case ActSigmoid:
		return Sigmoid(x)
	}
	Panicf("ops: unknown activation %d", a)
	return nil
}

// BiasAct adds an optional per-channel bias, applies the activation scaled by
// gain and optionally clamps the output to [-clamp, clamp].
//
// x is shaped [batch, channels, ...]; bias, if not nil, must be a vector with
// one value per channel (axis 1 of x). A negative clamp disables clamping.
//
// This is the Go rendition of the fused bias+activation primitive: on XLA
// backends the whole chain compiles to a single fused kernel.
func BiasAct(x, bias *Node, act Activation, gain, clamp float64) *Node {
	if bias != nil {
		if bias.Rank() != 1 || bias.Shape().Dimensions[0] != x.Shape().Dimensions[1] {
			Panicf("ops.BiasAct: bias must be shaped [%d] to match channels of x (%s), got %s",
				x.Shape().Dimensions[1], x.Shape(), bias.Shape())
		}
		dims := make([]int, x.Rank())
		for i := range dims {
			dims[i] = 1
		}
		dims[1] = bias.Shape().Dimensions[0]
		x = Add(x, ConvertDType(Reshape(bias, dims...), x.DType()))
	}
	x = act.apply(x)
	if gain != 1 {
		x = MulScalar(x, gain)
	}
	if clamp >= 0 {
		x = ClipScalar(x, -clamp, clamp)
	}
	return x
}
