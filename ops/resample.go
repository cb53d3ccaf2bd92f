package ops

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Conv2DResample convolves NCHW input x with OIHW weight w, with optional
// integrated up/downsampling through the low-pass filter f.
//
// padding is relative to the upsampled image. groups selects grouped
// convolution (the input channels must be groups times the kernel input
// channels). flipWeight selects correlation (true, the common framework
// convention) vs. mathematical convolution (false, spatially flipped kernel);
// both orientations produce identical results for symmetric kernels, and the
// flag exists so callers can pick whichever matches the orientation their
// weights were trained with.
func Conv2DResample(x, w *Node, f *Filter, up, down, padding, groups int, flipWeight bool) *Node {
	if x.Rank() != 4 || w.Rank() != 4 {
		Panicf("ops.Conv2DResample: x and w must be rank 4, got x=%s w=%s", x.Shape(), w.Shape())
	}
	if up < 1 || down < 1 {
		Panicf("ops.Conv2DResample: up and down factors must be >= 1, got up=%d down=%d", up, down)
	}
	kh, kw := w.Shape().Dimensions[2], w.Shape().Dimensions[3]
	if x.Shape().Dimensions[1] != groups*w.Shape().Dimensions[1] {
		Panicf("ops.Conv2DResample: x has %d channels, want groups(%d) x kernel input channels (%d)",
			x.Shape().Dimensions[1], groups, w.Shape().Dimensions[1])
	}
	if !flipWeight {
		w = Reverse(w, 2, 3)
	}

	fw := f.size
	px0, px1 := padding, padding
	py0, py1 := padding, padding
	if up > 1 {
		px0 += (fw + up - 1) / 2
		px1 += (fw - up) / 2
		py0 += (fw + up - 1) / 2
		py1 += (fw - up) / 2
	}
	if down > 1 {
		px0 += (fw - down + 1) / 2
		px1 += (fw - down) / 2
		py0 += (fw - down + 1) / 2
		py1 += (fw - down) / 2
	}

	switch {
	case kh == 1 && kw == 1 && down > 1 && up == 1:
		// 1x1 kernel with downsampling: cheaper to downsample first.
		x = UpFirDn2D(x, f, 1, down, [4]int{px0, px1, py0, py1}, 1)
		return conv2d(x, w, 1, nil, groups)

	case kh == 1 && kw == 1 && up > 1 && down == 1:
		// 1x1 kernel with upsampling: cheaper to convolve first.
		x = conv2d(x, w, 1, nil, groups)
		return UpFirDn2D(x, f, up, 1, [4]int{px0, px1, py0, py1}, float64(up*up))

	case down > 1 && up == 1:
		// Downsampling: filter, then strided convolution.
		x = UpFirDn2D(x, f, 1, 1, [4]int{px0, px1, py0, py1}, 1)
		return conv2d(x, w, down, nil, groups)

	case up > 1:
		// Upsampling: zero-insert + filter, convolve, then optionally downsample.
		x = UpFirDn2D(x, f, up, 1, [4]int{px0, px1, py0, py1}, float64(up*up))
		x = conv2d(x, w, 1, nil, groups)
		if down > 1 {
			x = Downsample2D(x, f, down)
		}
		return x
	}

	// Plain convolution, padding handled directly.
	return conv2d(x, w, 1, [][2]int{{py0, py1}, {px0, px1}}, groups)
}
