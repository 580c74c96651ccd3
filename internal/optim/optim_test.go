package optim

import (
	"math"
	"testing"
)

func param(name string, data, grad []float32) Parameter {
	return Parameter{Name: name, Data: data, Grad: grad}
}

func TestSGDStep(t *testing.T) {
	data := []float32{1, 2, 3}
	grad := []float32{0.5, -0.5, 0}
	s := NewSGD(0.1)
	if err := s.Step([]Parameter{param("w", data, grad)}); err != nil {
		t.Fatal(err)
	}
	want := []float32{0.95, 2.05, 3}
	for i := range want {
		if diff := data[i] - want[i]; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("data[%d] = %g, want %g", i, data[i], want[i])
		}
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	data := []float32{0}
	grad := []float32{1}
	s := NewSGD(0.1)
	s.Momentum = 0.9

	// v1 = -0.1, v2 = 0.9*(-0.1) - 0.1 = -0.19
	if err := s.Step([]Parameter{param("w", data, grad)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Step([]Parameter{param("w", data, grad)}); err != nil {
		t.Fatal(err)
	}
	want := float32(-0.29)
	if diff := data[0] - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("data[0] = %g, want %g", data[0], want)
	}
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	// With bias correction the first update is ~lr regardless of the
	// gradient magnitude.
	for _, g := range []float32{1e-3, 1, 1e3} {
		data := []float32{0}
		a := NewAdam(0.01)
		if err := a.Step([]Parameter{param("w", data, []float32{g})}); err != nil {
			t.Fatal(err)
		}
		got := float64(-data[0])
		if math.Abs(got-0.01) > 1e-3 {
			t.Fatalf("grad %g: first step %g, want ~0.01", g, got)
		}
	}
}

func TestAdamDirection(t *testing.T) {
	data := []float32{1, 1}
	grad := []float32{2, -2}
	a := NewAdam(0.01)
	if err := a.Step([]Parameter{param("w", data, grad)}); err != nil {
		t.Fatal(err)
	}
	if data[0] >= 1 {
		t.Fatalf("positive gradient did not decrease parameter: %g", data[0])
	}
	if data[1] <= 1 {
		t.Fatalf("negative gradient did not increase parameter: %g", data[1])
	}
}

func TestStepRejectsLengthMismatch(t *testing.T) {
	bad := []Parameter{param("w", []float32{1, 2}, []float32{1})}
	if err := NewSGD(0.1).Step(bad); err == nil {
		t.Fatal("sgd accepted mismatched parameter")
	}
	if err := NewAdam(0.1).Step(bad); err == nil {
		t.Fatal("adam accepted mismatched parameter")
	}
}

func TestStateKeyedByName(t *testing.T) {
	a := NewAdam(0.01)
	w1 := []float32{0}
	w2 := []float32{0}
	params := []Parameter{
		param("w1", w1, []float32{1}),
		param("w2", w2, []float32{-1}),
	}
	for i := 0; i < 3; i++ {
		if err := a.Step(params); err != nil {
			t.Fatal(err)
		}
	}
	if w1[0] >= 0 || w2[0] <= 0 {
		t.Fatalf("updates crossed: w1=%g w2=%g", w1[0], w2[0])
	}
	if sum := w1[0] + w2[0]; sum > 1e-6 || sum < -1e-6 {
		t.Fatalf("symmetric gradients should give symmetric updates, sum %g", sum)
	}
}
