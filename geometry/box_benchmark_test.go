package geometry

import "testing"

// BenchmarkIoU_NonOverlapping exercises the early return on an empty
// intersection.
func BenchmarkIoU_NonOverlapping(b *testing.B) {
	a := Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
	c := Box{X1: 200, Y1: 200, X2: 300, Y2: 300}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = IoU(a, c)
	}
}

// BenchmarkGeneralizedIoU_PartialOverlap runs the full path including the
// enclosing box.
func BenchmarkGeneralizedIoU_PartialOverlap(b *testing.B) {
	a := Box{X1: 50, Y1: 50, X2: 150, Y2: 150}
	c := Box{X1: 100, Y1: 100, X2: 200, Y2: 200}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = GeneralizedIoU(a, c)
	}
}

func BenchmarkGeneralizedIoULoss(b *testing.B) {
	a := Box{X1: 10, Y1: 10, X2: 60, Y2: 90}
	c := Box{X1: 20, Y1: 5, X2: 70, Y2: 80}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = GeneralizedIoULoss(a, c, 1e-16)
	}
}
