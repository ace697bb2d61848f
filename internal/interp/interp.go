// Package interp resamples captured waveforms for display. Five kernels
// share one key-building and sampling loop; they differ only in how a value
// between two control points is computed.
package interp

import (
	"fmt"
	"math"
	"sort"
)

// Kernel selects the interpolation strategy used to redraw a trace.
type Kernel string

const (
	Linear         Kernel = "linear"
	Cosine         Kernel = "cosine"
	CatmullRom     Kernel = "catmull-rom"
	Bezier         Kernel = "bezier"
	BezierMidpoint Kernel = "bezier-midpoint"
)

// Kernels lists the selectable kernels in display order.
var Kernels = []Kernel{Linear, Cosine, CatmullRom, Bezier, BezierMidpoint}

// ParseKernel maps a config string onto a Kernel.
func ParseKernel(s string) (Kernel, error) {
	for _, k := range Kernels {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("interp: unknown kernel %q", s)
}

// key is one control point. ctrl is only meaningful for the Bézier kernels,
// where it carries the control value derived from the neighbouring sample.
type key struct {
	t    float64
	v    float64
	ctrl float64
}

type spline struct {
	kernel Kernel
	keys   []key
}

// Resample redraws a waveform at n points with the chosen kernel, walking
// the source at the given stride. The first and last four indices of the
// query range are skipped; the output always holds exactly n entries, padded
// by repeating the last produced value (or zeros when no query lands inside
// the key range).
func Resample(samples []float64, timePerDiv float64, n, step int, kernel Kernel) []float64 {
	if n <= 0 {
		return nil
	}
	sp := build(samples, timePerDiv, step, kernel)

	out := make([]float64, 0, n)
	indexScale := float64(n) / 1000.0
	for i := 4; i < n-4; i++ {
		x := scaleTime(i, timePerDiv) / indexScale
		if v, ok := sp.clampedSample(x); ok {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = append(out, 0.0)
	}
	for len(out) < n {
		out = append(out, out[len(out)-1])
	}
	return out
}

// build stamps control points at the stride positions of the source. The
// Bézier kernels look one sample ahead for their control values and so stop
// one sample early.
func build(samples []float64, timePerDiv float64, step int, kernel Kernel) *spline {
	if step < 1 {
		step = 1
	}
	lookahead := 0
	if kernel == Bezier || kernel == BezierMidpoint {
		lookahead = 1
	}
	keys := make([]key, 0, len(samples)/step+1)
	for i := 0; i+lookahead < len(samples); i += step {
		k := key{t: scaleTime(i, timePerDiv), v: samples[i]}
		switch kernel {
		case Bezier:
			k.ctrl = samples[i+1]
		case BezierMidpoint:
			k.ctrl = (samples[i] + samples[i+1]) / 2.0
		}
		keys = append(keys, k)
	}
	return &spline{kernel: kernel, keys: keys}
}

// clampedSample evaluates the spline at t. Outside the key range it holds
// the edge values; interior positions the kernel cannot evaluate (the
// Catmull-Rom boundary windows) report no value.
func (s *spline) clampedSample(t float64) (float64, bool) {
	if len(s.keys) == 0 {
		return 0, false
	}
	if v, ok := s.sample(t); ok {
		return v, true
	}
	if t <= s.keys[0].t {
		return s.keys[0].v, true
	}
	if t >= s.keys[len(s.keys)-1].t {
		return s.keys[len(s.keys)-1].v, true
	}
	return 0, false
}

func (s *spline) sample(t float64) (float64, bool) {
	i, ok := s.window(t)
	if !ok {
		return 0, false
	}
	cp0, cp1 := s.keys[i], s.keys[i+1]
	nt := (t - cp0.t) / (cp1.t - cp0.t)
	switch s.kernel {
	case Linear:
		return lerp(cp0.v, cp1.v, nt), true
	case Cosine:
		eased := (1.0 - math.Cos(nt*math.Pi)) * 0.5
		return lerp(cp0.v, cp1.v, eased), true
	case CatmullRom:
		if i == 0 || i+2 >= len(s.keys) {
			return 0, false
		}
		return cubicHermite(s.keys[i-1], cp0, cp1, s.keys[i+2], nt), true
	case Bezier, BezierMidpoint:
		return cubicBezierMirrored(cp0.v, cp0.ctrl, cp1.ctrl, cp1.v, nt), true
	}
	return 0, false
}

// window finds i such that keys[i].t <= t < keys[i+1].t. Query times at or
// past the last key land outside every window.
func (s *spline) window(t float64) (int, bool) {
	j := sort.Search(len(s.keys), func(j int) bool { return s.keys[j].t > t })
	i := j - 1
	if i < 0 || i+1 >= len(s.keys) {
		return 0, false
	}
	return i, true
}

func lerp(a, b, t float64) float64 {
	return math.FMA(a, 1.0-t, b*t)
}

// cubicHermite interpolates between a and b with x and y as the outer
// window, using three-point finite-difference tangents.
func cubicHermite(x, a, b, y key, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	twoT3 := t3 * 2.0
	threeT2 := t2 * 3.0
	m0 := (b.v - x.v) / (b.t - x.t)
	m1 := (y.v - a.v) / (y.t - a.t)
	return a.v*(twoT3-threeT2+1.0) +
		m0*(t3-t2*2.0+t)*(b.t-a.t) +
		b.v*(threeT2-twoT3) +
		m1*(t3-t2)*(b.t-a.t)
}

func cubicBezier(a, u, v, b, t float64) float64 {
	oneT := 1.0 - t
	oneT2 := oneT * oneT
	oneT3 := oneT2 * oneT
	t2 := t * t
	return a*oneT3 + (u*oneT2*t+v*oneT*t2)*3.0 + b*t2*t
}

// cubicBezierMirrored mirrors the second control value around b so adjacent
// segments join smoothly.
func cubicBezierMirrored(a, u, v, b, t float64) float64 {
	return cubicBezier(a, u, b+b-v, b, t)
}

func scaleTime(index int, timePerDiv float64) float64 {
	return timePerDiv / 100.0 * float64(index)
}
