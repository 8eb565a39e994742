package imaging

import (
	"math"
	"math/rand/v2"
	"strings"
)

// Synthesize renders a width x height 16-bit grayscale slice that looks
// roughly like the given modality: a CT body section with spine, ribs and
// lungs, an MR brain with gray/white matter and CSF speckle, or ultrasound
// speckle with organ blobs. Anything else gets gaussian noise.
func Synthesize(width, height int, modality string, rng *rand.Rand) []uint16 {
	out := make([]uint16, width*height)
	switch strings.ToUpper(modality) {
	case "CT":
		synthCT(out, width, height, rng)
	case "MR":
		synthMR(out, width, height, rng)
	case "US":
		synthUS(out, width, height, rng)
	default:
		for i := range out {
			out[i] = clamp16(normal(rng, 25000, 10000))
		}
	}
	return out
}

func synthCT(out []uint16, width, height int, rng *rand.Rand) {
	w, h := float64(width), float64(height)
	cx, cy := float64(width/2), float64(height/2)
	bodyR := math.Min(w, h) * 0.4
	ribR := w * 0.02
	lungR := w * 0.12

	type disc struct{ x, y float64 }
	ribs := make([]disc, 8)
	for i := range ribs {
		angle := math.Pi * float64(i) / 7
		ribs[i] = disc{cx + math.Cos(angle)*w*0.3, cy + math.Sin(angle)*h*0.2}
	}

	for y := 0; y < height; y++ {
		fy := float64(y)
		for x := 0; x < width; x++ {
			fx := float64(x)
			var v float64
			set := false
			if sq(fx-cx)+sq(fy-cy) < sq(bodyR) {
				v, set = normal(rng, 1000, 200), true
			}
			if math.Abs(fx-cx) < w*0.05 && fy > cy*0.5 && fy < cy*1.5 {
				v, set = normal(rng, 3000, 300), true
			}
			for _, r := range ribs {
				if sq(fx-r.x)+sq(fy-r.y) < sq(ribR) {
					v, set = normal(rng, 2800, 200), true
				}
			}
			if sq(fx-cx+w*0.15)+sq(fy-cy) < sq(lungR) || sq(fx-cx-w*0.15)+sq(fy-cy) < sq(lungR) {
				v, set = normal(rng, -1000, 100), true
			}
			if set {
				out[y*width+x] = clamp16(v)
			}
		}
	}
}

func synthMR(out []uint16, width, height int, rng *rand.Rand) {
	cx, cy := float64(width/2), float64(height/2)
	m := math.Min(float64(width), float64(height))
	brain := sq(m * 0.35)
	inner := sq(m * 0.15)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			d := sq(float64(x)-cx) + sq(float64(y)-cy)
			if d >= brain {
				continue
			}
			var v float64
			if d > inner {
				v = normal(rng, 30000, 3000)
			} else {
				v = normal(rng, 45000, 2000)
			}
			if rng.Float64() < 0.05 {
				v = normal(rng, 10000, 1000)
			}
			out[y*width+x] = clamp16(v)
		}
	}
}

func synthUS(out []uint16, width, height int, rng *rand.Rand) {
	for i := range out {
		out[i] = clamp16(rayleigh(rng, 20000))
	}

	cx, cy := width/2, height/2
	r := sq(math.Min(float64(width), float64(height)) * 0.1)
	for i := 0; i < 3; i++ {
		ox := float64(cx + rng.IntN(width/2+1) - width/4)
		oy := float64(cy + rng.IntN(height/2+1) - height/4)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				if sq(float64(x)-ox)+sq(float64(y)-oy) < r {
					idx := y*width + x
					out[idx] = clamp16(float64(out[idx]) + normal(rng, 15000, 5000))
				}
			}
		}
	}
}

func normal(rng *rand.Rand, mean, stddev float64) float64 {
	return mean + rng.NormFloat64()*stddev
}

func rayleigh(rng *rand.Rand, scale float64) float64 {
	return scale * math.Sqrt(-2*math.Log(1-rng.Float64()))
}

func sq(v float64) float64 { return v * v }

func clamp16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
