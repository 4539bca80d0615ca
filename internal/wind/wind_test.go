package wind

import (
	"math"
	"math/rand"
	"testing"
)

func TestModel_DeterministicWithSeed(t *testing.T) {
	a := New(5, 1, 0.5, 100, rand.NewSource(42))
	b := New(5, 1, 0.5, 100, rand.NewSource(42))

	for i := 0; i < 50; i++ {
		ax, ay := a.Sample()
		bx, by := b.Sample()
		if ax != bx || ay != by {
			t.Fatalf("sample %d differs: (%v, %v) vs (%v, %v)", i, ax, ay, bx, by)
		}
	}
}

func TestModel_ZeroVarianceStaysOnBase(t *testing.T) {
	m := New(5, -2, 0, 10, rand.NewSource(1))

	for i := 0; i < 20; i++ {
		x, y := m.Sample()
		if x != 5 || y != -2 {
			t.Fatalf("sample %d = (%v, %v), want (5, -2)", i, x, y)
		}
	}
}

func TestModel_MeanReverts(t *testing.T) {
	m := New(5, 1, 0.5, 10, rand.NewSource(7))

	var sumX, sumY float64
	const n = 20000
	for i := 0; i < n; i++ {
		x, y := m.Sample()
		sumX += float64(x)
		sumY += float64(y)
	}

	if mean := sumX / n; math.Abs(mean-5) > 0.2 {
		t.Errorf("mean north wind = %v, want close to 5", mean)
	}
	if mean := sumY / n; math.Abs(mean-1) > 0.2 {
		t.Errorf("mean east wind = %v, want close to 1", mean)
	}
}

func TestModel_SamplesAreCorrelated(t *testing.T) {
	m := New(0, 0, 1, 100, rand.NewSource(3))

	// with a long time constant consecutive steps move far less than the spread
	var maxStep float64
	px, _ := m.Sample()
	for i := 0; i < 1000; i++ {
		x, _ := m.Sample()
		if d := math.Abs(float64(x - px)); d > maxStep {
			maxStep = d
		}
		px = x
	}
	if maxStep > 1 {
		t.Errorf("largest step between samples = %v, expected gusting, not white noise", maxStep)
	}
}

func TestModel_CurrentDoesNotAdvance(t *testing.T) {
	m := New(3, 4, 0.5, 100, rand.NewSource(9))
	x, y := m.Sample()

	for i := 0; i < 3; i++ {
		w := m.Current()
		if w.North != x || w.East != y {
			t.Errorf("Current() = %+v, want (%v, %v)", w, x, y)
		}
	}
}

func TestNew_DefaultTau(t *testing.T) {
	m := New(1, 1, 0.5, 0, rand.NewSource(1))
	want := 1.0 - math.Exp(-1.0/DefaultTau)
	if m.psi != want {
		t.Errorf("psi = %v, want %v", m.psi, want)
	}
}
