package simple

import (
	"math"

	"github.com/pkg/errors"
)

// ParamGroup is a set of parameters sharing one weight decay.
type ParamGroup struct {
	Params      []*Param
	WeightDecay float64
}

// GroupByDecay splits params into a decayed group and a group without weight
// decay (see NoDecay). Both groups are returned, even when empty.
func GroupByDecay(params []*Param, weightDecay float64) []ParamGroup {
	decay := ParamGroup{WeightDecay: weightDecay}
	noDecay := ParamGroup{WeightDecay: 0}
	for _, p := range params {
		if NoDecay(p.Name) {
			noDecay.Params = append(noDecay.Params, p)
		} else {
			decay.Params = append(decay.Params, p)
		}
	}
	return []ParamGroup{decay, noDecay}
}

// AdamW is Adam with decoupled weight decay and bias-corrected moments.
type AdamW struct {
	Groups []ParamGroup

	// BaseLR is the peak learning rate; the current one is BaseLR * scale.
	BaseLR  float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	lr    float64
	steps int
	m     map[*Param][]float64
	v     map[*Param][]float64
}

// NewAdamW returns an optimizer with the usual betas (0.9, 0.999).
func NewAdamW(groups []ParamGroup, lr, eps float64) (*AdamW, error) {
	if lr <= 0 {
		return nil, errors.Errorf("learning rate must be > 0 (got %g)", lr)
	}
	if eps <= 0 {
		return nil, errors.Errorf("adam epsilon must be > 0 (got %g)", eps)
	}
	return &AdamW{
		Groups:  groups,
		BaseLR:  lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: eps,
		lr:      lr,
		m:       map[*Param][]float64{},
		v:       map[*Param][]float64{},
	}, nil
}

// LR returns the learning rate the next Step will use.
func (o *AdamW) LR() float64 { return o.lr }

// SetScale sets the learning rate to BaseLR * scale.
func (o *AdamW) SetScale(scale float64) { o.lr = o.BaseLR * scale }

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int { return o.steps }

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	o.steps++
	c1 := 1 - math.Pow(o.Beta1, float64(o.steps))
	c2 := 1 - math.Pow(o.Beta2, float64(o.steps))
	for _, g := range o.Groups {
		for _, p := range g.Params {
			m, ok := o.m[p]
			if !ok {
				m = make([]float64, len(p.Value))
				o.m[p] = m
				o.v[p] = make([]float64, len(p.Value))
			}
			v := o.v[p]
			decay := 1 - o.lr*g.WeightDecay
			for i, grad := range p.Grad {
				p.Value[i] *= decay
				m[i] = o.Beta1*m[i] + (1-o.Beta1)*grad
				v[i] = o.Beta2*v[i] + (1-o.Beta2)*grad*grad
				p.Value[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Epsilon)
			}
		}
	}
}

// ZeroGrad clears the gradients of every parameter in every group.
func (o *AdamW) ZeroGrad() {
	for _, g := range o.Groups {
		for _, p := range g.Params {
			clear(p.Grad)
		}
	}
}

// LinearWarmup scales the learning rate linearly from 0 to 1 over Warmup
// steps, then linearly down to 0 at Total steps.
type LinearWarmup struct {
	Warmup int
	Total  int

	step int
}

// NewLinearWarmup returns a schedule positioned at step 0.
func NewLinearWarmup(warmup, total int) *LinearWarmup {
	return &LinearWarmup{Warmup: max(0, warmup), Total: max(0, total)}
}

// Factor returns the multiplier at the given step.
func (s *LinearWarmup) Factor(step int) float64 {
	if step < s.Warmup {
		return float64(step) / float64(max(1, s.Warmup))
	}
	return math.Max(0, float64(s.Total-step)/float64(max(1, s.Total-s.Warmup)))
}

// Current returns the multiplier at the current step.
func (s *LinearWarmup) Current() float64 { return s.Factor(s.step) }

// Step advances the schedule by one optimization step and returns the new
// multiplier.
func (s *LinearWarmup) Step() float64 {
	s.step++
	return s.Current()
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm,
// and returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		ScaleGrads(params, maxNorm/(norm+1e-6))
	}
	return norm
}

// ScaleGrads multiplies every gradient by factor.
func ScaleGrads(params []*Param, factor float64) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= factor
		}
	}
}
