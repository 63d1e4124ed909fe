// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"flag"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// median returns the median of v, averaging the two middle elements
// when len(v) is even. v is not modified. median of an empty slice is
// 0.
func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

// plateauFilter decides whether a sample's coverage curve has the
// plateau shape expected when the profiled species is actually
// present. The curve is the sample's family coverages sorted in
// descending order; the filter looks at the median of the top L
// values (L = expected genome length) and at two probe positions on
// the median-normalized curve.
type plateauFilter struct {
	MinCoverage float64
	LeftMax     float64
	RightMin    float64
}

func (pf *plateauFilter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&pf.MinCoverage, "min-coverage", 2.0, "minimum median plateau coverage `depth` for a sample to be accepted")
	flags.Float64Var(&pf.LeftMax, "left-max", 1.25, "maximum acceptable normalized coverage at the left plateau `probe`")
	flags.Float64Var(&pf.RightMin, "right-min", 0.75, "minimum acceptable normalized coverage at the right plateau `probe`")
}

func (pf *plateauFilter) validate() error {
	if pf.LeftMax <= pf.RightMin {
		return fmt.Errorf("-left-max (%g) must be greater than -right-min (%g)", pf.LeftMax, pf.RightMin)
	}
	if pf.MinCoverage < 0 {
		log.Warnf("negative -min-coverage, resetting to default 2.0")
		pf.MinCoverage = 2.0
	}
	return nil
}

type sampleVerdict struct {
	Median   float64 // median coverage of the top topN families
	Left     float64 // normalized coverage at position 0.3*topN
	Right    float64 // normalized coverage at position 0.7*topN
	Accepted bool
	Reason   string // rejection reason, "" if accepted
}

// evaluate applies the plateau criteria to one sample's family
// coverages. topN is the expected genome length in families.
func (pf *plateauFilter) evaluate(famCov []float64, topN int) sampleVerdict {
	curve := append([]float64(nil), famCov...)
	sort.Sort(sort.Reverse(sort.Float64Slice(curve)))
	if topN > len(curve) {
		topN = len(curve)
	}
	v := sampleVerdict{Median: median(curve[:topN])}
	if v.Median < pf.MinCoverage {
		v.Reason = fmt.Sprintf("median plateau coverage %.3f < %g", v.Median, pf.MinCoverage)
		return v
	}
	norm := make([]float64, topN)
	if v.Median > 0 {
		for i, c := range curve[:topN] {
			norm[i] = c / v.Median
		}
	}
	v.Left = norm[int(float64(topN)*0.3)]
	v.Right = norm[int(float64(topN)*0.7)]
	if v.Left > pf.LeftMax {
		v.Reason = fmt.Sprintf("left plateau coverage %.3f > %g", v.Left, pf.LeftMax)
		return v
	}
	if v.Right < pf.RightMin {
		v.Reason = fmt.Sprintf("right plateau coverage %.3f < %g", v.Right, pf.RightMin)
		return v
	}
	v.Accepted = true
	return v
}
