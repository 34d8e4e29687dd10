package rating

import "math"

const (
	glickoScale   = 173.7178
	glickoTau     = 0.5
	glickoEpsilon = 0.000001
	minRD         = 30.0
	maxRD         = 350.0
)

// Estimate is a Glicko-2 skill estimate on the public (Elo-like) scale.
type Estimate struct {
	Rating     float64
	RD         float64
	Volatility float64
}

// Update returns the new estimates for a and b after one game in which a
// scored scoreA (1, 0.5 or 0). Both sides are computed from the pre-game
// values of the other.
func Update(a, b Estimate, scoreA float64) (Estimate, Estimate) {
	return updateOne(a, b, scoreA), updateOne(b, a, 1-scoreA)
}

func updateOne(p, opp Estimate, score float64) Estimate {
	mu, phi := toGlicko2Scale(p.Rating, p.RD)
	muJ, phiJ := toGlicko2Scale(opp.Rating, opp.RD)
	sigma := p.Volatility
	if sigma <= 0 {
		sigma = 0.06
	}

	gPhiJ := g(phiJ)
	e := expected(mu, muJ, phiJ)
	v := 1.0 / (gPhiJ * gPhiJ * e * (1.0 - e))
	delta := v * gPhiJ * (score - e)

	sigmaNew := newVolatility(sigma, phi, v, delta)

	phiStar := math.Sqrt(phi*phi + sigmaNew*sigmaNew)
	phiNew := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	muNew := mu + phiNew*phiNew*gPhiJ*(score-e)

	rating, rd := fromGlicko2Scale(muNew, phiNew)
	return Estimate{Rating: rating, RD: clamp(rd, minRD, maxRD), Volatility: sigmaNew}
}

// newVolatility solves for sigma' with the Illinois variant of regula falsi.
func newVolatility(sigma, phi, v, delta float64) float64 {
	a := math.Log(sigma * sigma)
	deltaSq := delta * delta
	phiSq := phi * phi

	f := func(x float64) float64 {
		eX := math.Exp(x)
		num := eX * (deltaSq - phiSq - v - eX)
		den := 2.0 * (phiSq + v + eX) * (phiSq + v + eX)
		return num/den - (x-a)/(glickoTau*glickoTau)
	}

	A := a
	var B float64
	if deltaSq > phiSq+v {
		B = math.Log(deltaSq - phiSq - v)
	} else {
		k := 1.0
		for f(a-k*glickoTau) < 0 {
			k++
		}
		B = a - k*glickoTau
	}

	fA, fB := f(A), f(B)
	for i := 0; math.Abs(B-A) > glickoEpsilon && i < 100; i++ {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if fC*fB <= 0 {
			A, fA = B, fB
		} else {
			fA /= 2.0
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2.0)
}

func g(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/(math.Pi*math.Pi))
}

func expected(mu, muJ, phiJ float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phiJ)*(mu-muJ)))
}

func toGlicko2Scale(rating, rd float64) (float64, float64) {
	return (rating - 1500.0) / glickoScale, rd / glickoScale
}

func fromGlicko2Scale(mu, phi float64) (float64, float64) {
	return mu*glickoScale + 1500.0, phi * glickoScale
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
