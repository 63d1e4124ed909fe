// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"flag"
	"fmt"
)

// dnaIndex classifies one gene family's median-normalized coverage in
// one sample.
type dnaIndex int

const (
	dnaPresent   dnaIndex = 1  // plateau level, single copy
	dnaMulticopy dnaIndex = -1 // above plateau level
	dnaAmbiguous dnaIndex = -2 // below plateau, above noise
	dnaAbsent    dnaIndex = -3 // noise level
)

// present reports whether the family counts as present for the
// presence/absence matrix and strain comparison. Multicopy families
// are present; ambiguous and absent ones are not.
func (x dnaIndex) present() bool {
	return x >= dnaMulticopy
}

// indexThresholds are the cutoffs, in median-normalized coverage,
// between the four dnaIndex classes.
//
// The zero and multicopy cutoffs are either both given on the command
// line or both derived from the present cutoff (present/2 and
// 3*present).
type indexThresholds struct {
	Zero      float64
	Present   float64
	Multicopy float64
}

const (
	minZeroThreshold      = 0.05
	minPresentThreshold   = 0.10
	minMulticopyThreshold = 0.15
)

func (th *indexThresholds) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&th.Zero, "th-zero", -1, "normalized coverage `cutoff` below which a family is absent (default: half of -th-present)")
	flags.Float64Var(&th.Present, "th-present", -1, "normalized coverage `cutoff` above which a family is present (default 0.5)")
	flags.Float64Var(&th.Multicopy, "th-multicopy", -1, "normalized coverage `cutoff` above which a family is multicopy (default: 3 times -th-present)")
}

func (th *indexThresholds) validate() error {
	if th.Present >= 0 && th.Present < minPresentThreshold {
		return fmt.Errorf("-th-present must be at least %g", minPresentThreshold)
	}
	if th.Present < 0 {
		if th.Zero >= 0 || th.Multicopy >= 0 {
			return fmt.Errorf("-th-zero and -th-multicopy require -th-present")
		}
		th.Present = 0.5
	}
	switch {
	case th.Zero >= 0 && th.Multicopy >= 0:
		if th.Zero < minZeroThreshold {
			return fmt.Errorf("-th-zero must be at least %g", minZeroThreshold)
		}
		if th.Multicopy < minMulticopyThreshold {
			return fmt.Errorf("-th-multicopy must be at least %g", minMulticopyThreshold)
		}
		if !(th.Zero < th.Present && th.Present < th.Multicopy) {
			return fmt.Errorf("thresholds must satisfy -th-zero < -th-present < -th-multicopy, got %g, %g, %g", th.Zero, th.Present, th.Multicopy)
		}
	case th.Zero < 0 && th.Multicopy < 0:
		th.Zero = th.Present / 2
		th.Multicopy = th.Present * 3
	default:
		return fmt.Errorf("-th-zero and -th-multicopy must be set together")
	}
	return nil
}

// classify maps one median-normalized coverage value to its dnaIndex
// class. A value exactly on the zero cutoff is ambiguous, exactly on
// the present or multicopy cutoff is present.
func (th *indexThresholds) classify(x float64) dnaIndex {
	switch {
	case x < th.Zero:
		return dnaAbsent
	case x < th.Present:
		return dnaAmbiguous
	case x <= th.Multicopy:
		return dnaPresent
	default:
		return dnaMulticopy
	}
}

func (th *indexThresholds) classifyVector(normCov []float64) []dnaIndex {
	idx := make([]dnaIndex, len(normCov))
	for i, x := range normCov {
		idx[i] = th.classify(x)
	}
	return idx
}
