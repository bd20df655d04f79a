// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analytics

import "math"

// Statistical primitives for two-proportion experiments. Proportions are
// fractions in [0,1] throughout; callers format percentages.

// normCDF is the standard normal distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// Coefficients of Acklam's rational approximation to the inverse normal
// distribution function, refined below to near machine precision.
var (
	invNormA = [6]float64{
		-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00,
	}
	invNormB = [5]float64{
		-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01,
	}
	invNormC = [6]float64{
		-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00,
	}
	invNormD = [4]float64{
		7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00,
	}
)

// normQuantile is the inverse of normCDF.
func normQuantile(p float64) float64 {
	switch {
	case math.IsNaN(p) || p <= 0:
		return math.Inf(-1)
	case p >= 1:
		return math.Inf(1)
	}

	const pLow = 0.02425
	var x float64
	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		x = (((((invNormC[0]*q+invNormC[1])*q+invNormC[2])*q+invNormC[3])*q+invNormC[4])*q + invNormC[5]) /
			((((invNormD[0]*q+invNormD[1])*q+invNormD[2])*q+invNormD[3])*q + 1)
	case p <= 1-pLow:
		q := p - 0.5
		r := q * q
		x = (((((invNormA[0]*r+invNormA[1])*r+invNormA[2])*r+invNormA[3])*r+invNormA[4])*r + invNormA[5]) * q /
			(((((invNormB[0]*r+invNormB[1])*r+invNormB[2])*r+invNormB[3])*r+invNormB[4])*r + 1)
	default:
		q := math.Sqrt(-2 * math.Log(1-p))
		x = -(((((invNormC[0]*q+invNormC[1])*q+invNormC[2])*q+invNormC[3])*q+invNormC[4])*q + invNormC[5]) /
			((((invNormD[0]*q+invNormD[1])*q+invNormD[2])*q+invNormD[3])*q + 1)
	}

	// One Halley step against the exact CDF.
	e := normCDF(x) - p
	u := e * math.Sqrt(2*math.Pi) * math.Exp(x*x/2)
	return x - u/(1+x*u/2)
}

// WilsonInterval is the Wilson score interval for successes out of trials
// at the given confidence level, clamped to [0,1]. Zero trials yield
// [0,0].
func WilsonInterval(successes, trials int64, confidence float64) (lo, hi float64) {
	if trials <= 0 {
		return 0, 0
	}
	p := float64(successes) / float64(trials)
	n := float64(trials)
	z := normQuantile((1 + confidence) / 2)

	denom := 1 + z*z/n
	center := (p + z*z/(2*n)) / denom
	margin := z * math.Sqrt((p*(1-p)+z*z/(4*n))/n) / denom

	lo = center - margin
	hi = center + margin
	if lo < 0 {
		lo = 0
	}
	if hi > 1 {
		hi = 1
	}
	return lo, hi
}

// TwoProportionTest compares treatment (s2 of n2) against control (s1 of
// n1) with a pooled two-proportion z-test. It returns the z-score and the
// two-tailed p-value; degenerate inputs (an empty arm, a pooled proportion
// of exactly 0 or 1) return z=0, p=1.
func TwoProportionTest(s1, n1, s2, n2 int64) (z, p float64) {
	if n1 <= 0 || n2 <= 0 {
		return 0, 1
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	pool := float64(s1+s2) / float64(n1+n2)

	se := math.Sqrt(pool * (1 - pool) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0, 1
	}
	z = (p2 - p1) / se
	p = 2 * (1 - normCDF(math.Abs(z)))
	if p > 1 {
		p = 1
	}
	return z, p
}

// Lift is the relative improvement of the treatment rate over the control
// rate. It is undefined when the control never converts; ok reports
// whether the value is meaningful.
func Lift(controlRate, treatmentRate float64) (lift float64, ok bool) {
	if controlRate <= 0 {
		return 0, false
	}
	return (treatmentRate - controlRate) / controlRate, true
}

// PostHocPower estimates the achieved power of the two-proportion test via
// Cohen's h with the harmonic effective sample size. Identical rates or an
// empty arm give 0.
func PostHocPower(p1, p2 float64, n1, n2 int64, alpha float64) float64 {
	if n1 <= 0 || n2 <= 0 || p1 == p2 {
		return 0
	}
	h := 2 * (math.Asin(math.Sqrt(p2)) - math.Asin(math.Sqrt(p1)))
	n := 2 * float64(n1) * float64(n2) / float64(n1+n2)
	zAlpha := normQuantile(1 - alpha/2)
	return normCDF(math.Abs(h)*math.Sqrt(n/2) - zAlpha)
}
