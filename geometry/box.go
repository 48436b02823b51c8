// Package geometry - axis-aligned box math shared by assignment and loss.
package geometry

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is an axis-aligned box in absolute image coordinates (x1, y1, x2, y2).
type Box struct {
	X1, Y1, X2, Y2 float32
}

// FromCenter builds a box from its center and size.
//
// Arguments:
//   - cx, cy: The center of the box.
//   - w, h: The width and height of the box.
//
// Returns:
//   - The box in corner form.
func FromCenter(cx, cy, w, h float32) Box {
	return Box{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

// Width of the box. Negative for inverted boxes.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height of the box. Negative for inverted boxes.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area of the box, without clamping.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Center returns the geometric center of the box.
func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// CXCYWH converts the box to (center x, center y, width, height).
func (b Box) CXCYWH() [4]float32 {
	cx, cy := b.Center()
	return [4]float32{cx, cy, b.Width(), b.Height()}
}

// Contains reports whether (x, y) lies strictly inside the box.
func (b Box) Contains(x, y float32) bool {
	return min(x-b.X1, y-b.Y1, b.X2-x, b.Y2-y) > 0
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Intersection calculates the overlapping area of two boxes.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - The intersection area, 0 when the boxes do not overlap.
func Intersection(a, b Box) float32 {
	w := math32.Max(math32.Min(a.X2, b.X2)-math32.Max(a.X1, b.X1), 0)
	h := math32.Max(math32.Min(a.Y2, b.Y2)-math32.Max(a.Y1, b.Y1), 0)
	return w * h
}

// Enclose returns the smallest box that covers both a and b.
func Enclose(a, b Box) Box {
	return Box{
		X1: math32.Min(a.X1, b.X1),
		Y1: math32.Min(a.Y1, b.Y1),
		X2: math32.Max(a.X2, b.X2),
		Y2: math32.Max(a.Y2, b.Y2),
	}
}

// IoU calculates the Intersection over Union of two boxes.
//
//	IoU = Area of Intersection / Area of Union
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - A value in [0, 1]. Degenerate boxes with an empty union yield 0.
func IoU(a, b Box) float32 {
	inter := Intersection(a, b)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// GeneralizedIoU extends IoU with a penalty based on the smallest enclosing
// box C:
//
//	GIoU = IoU - (Area(C) - Union) / Area(C)
//
// Unlike IoU it keeps ranking boxes that do not overlap at all: the further
// apart they are, the closer the value gets to -1.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - A value in [-1, 1].
func GeneralizedIoU(a, b Box) float32 {
	inter := Intersection(a, b)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	hull := Enclose(a, b).Area()
	if hull <= 0 {
		return iou
	}
	return iou - (hull-union)/hull
}

// GeneralizedIoULoss is 1 - GIoU with eps added to the union and the hull
// area denominators.
//
// Arguments:
//   - pred: The predicted box.
//   - target: The target box.
//   - eps: Stabilizer added to both denominators.
//
// Returns:
//   - A value in [0, 2].
func GeneralizedIoULoss(pred, target Box, eps float32) float32 {
	inter := Intersection(pred, target)
	union := pred.Area() + target.Area() - inter
	iou := inter / (union + eps)
	hull := Enclose(pred, target).Area()
	return 1 - (iou - (hull-union)/(hull+eps))
}
