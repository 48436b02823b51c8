// Package codec - decodes head regression outputs into boxes and encodes the
// auxiliary L1 regression targets.
package codec

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/priors"
)

// L1Epsilon keeps the log-size encoding finite for zero-sized boxes.
const L1Epsilon = 1e-8

// Delta is one raw regression output: (dx, dy, log dw, log dh) in stride units.
type Delta [4]float32

// Decode turns a regression output into an absolute box.
//
// The center is delta[:2]*stride + prior.xy and the size is
// exp(delta[2:])*stride. Decoded coordinates are not clipped to the image.
//
// Arguments:
//   - p: The prior the prediction was made at.
//   - d: The raw regression output.
//
// Returns:
//   - The decoded box.
func Decode(p priors.Prior, d Delta) geometry.Box {
	cx := d[0]*p.StrideX + p.X
	cy := d[1]*p.StrideY + p.Y
	w := math32.Exp(d[2]) * p.StrideX
	h := math32.Exp(d[3]) * p.StrideY
	return geometry.FromCenter(cx, cy, w, h)
}

// DecodeAll decodes one regression output per prior.
func DecodeAll(ps []priors.Prior, deltas []Delta) ([]geometry.Box, error) {
	if len(ps) != len(deltas) {
		return nil, errors.Errorf("decode: %d priors but %d regression rows", len(ps), len(deltas))
	}
	out := make([]geometry.Box, len(ps))
	for i := range ps {
		out[i] = Decode(ps[i], deltas[i])
	}
	return out, nil
}

// EncodeL1 builds the L1 regression target for a ground-truth box at a prior:
// the center offset in stride units and the log of the size ratio.
//
// Arguments:
//   - gt: The matched ground-truth box.
//   - p: The prior of the positive sample.
//
// Returns:
//   - The target delta. Decode(p, EncodeL1(gt, p)) recovers gt up to L1Epsilon.
func EncodeL1(gt geometry.Box, p priors.Prior) Delta {
	c := gt.CXCYWH()
	return Delta{
		(c[0] - p.X) / p.StrideX,
		(c[1] - p.Y) / p.StrideY,
		math32.Log(c[2]/p.StrideX + L1Epsilon),
		math32.Log(c[3]/p.StrideY + L1Epsilon),
	}
}
