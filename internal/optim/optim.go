// Package optim implements the optimizers for the adapter weights. Only
// the low-rank factors and the normalization gains train; the frozen base
// weights never appear in the parameter list.
package optim

import (
	"fmt"
	"math"
)

// Parameter is one named trainable buffer paired with its accumulated
// gradient. Data and Grad alias the owning module's storage; Step updates
// in place.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(params []Parameter) error
}

func checkParams(params []Parameter) error {
	for _, p := range params {
		if len(p.Data) != len(p.Grad) {
			return fmt.Errorf("optim: parameter %q has %d values but %d gradients",
				p.Name, len(p.Data), len(p.Grad))
		}
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	LR       float32
	Momentum float32

	velocity map[string][]float32
}

// NewSGD creates an SGD optimizer.
func NewSGD(lr float32) *SGD {
	return &SGD{LR: lr, velocity: make(map[string][]float32)}
}

// Step applies one update.
func (s *SGD) Step(params []Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	for _, p := range params {
		if s.Momentum == 0 {
			for i, g := range p.Grad {
				p.Data[i] -= s.LR * g
			}
			continue
		}
		v, ok := s.velocity[p.Name]
		if !ok || len(v) != len(p.Data) {
			v = make([]float32, len(p.Data))
			s.velocity[p.Name] = v
		}
		for i, g := range p.Grad {
			v[i] = s.Momentum*v[i] - s.LR*g
			p.Data[i] += v[i]
		}
	}
	return nil
}

// Adam is the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	LR    float32
	Beta1 float32
	Beta2 float32
	Eps   float32

	t int
	m map[string][]float32
	v map[string][]float32
}

// NewAdam creates an Adam optimizer with the usual defaults.
func NewAdam(lr float32) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string][]float32),
		v:     make(map[string][]float32),
	}
}

// Step applies one update.
func (a *Adam) Step(params []Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	a.t++
	c1 := 1 - float32(math.Pow(float64(a.Beta1), float64(a.t)))
	c2 := 1 - float32(math.Pow(float64(a.Beta2), float64(a.t)))
	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok || len(m) != len(p.Data) {
			m = make([]float32, len(p.Data))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok || len(v) != len(p.Data) {
			v = make([]float32, len(p.Data))
			a.v[p.Name] = v
		}
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			mhat := m[i] / c1
			vhat := v[i] / c2
			p.Data[i] -= a.LR * mhat / (float32(math.Sqrt(float64(vhat))) + a.Eps)
		}
	}
	return nil
}
