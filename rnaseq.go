// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
)

type rnaKind int

const (
	rnaNumber rnaKind = iota
	rnaNonPresent
	rnaNaN
)

// rnaValue is one cell of the RNA expression matrix: a number for
// families on the DNA plateau, a non-presence token for families
// absent from the DNA sample, or a not-a-number token for multicopy
// and ambiguous families.
type rnaValue struct {
	kind rnaKind
	v    float64
}

func rnaNum(v float64) rnaValue {
	return rnaValue{kind: rnaNumber, v: v}
}

// rnaTokens are the strings standing in for non-numeric cells in the
// RNA expression matrix.
type rnaTokens struct {
	NonPresent string
	NaN        string
}

func (tok *rnaTokens) Flags(flags *flag.FlagSet) {
	flags.StringVar(&tok.NonPresent, "np", "NP", "`token` for non-present gene families in the RNA matrix")
	flags.StringVar(&tok.NaN, "nan", "NaN", "`token` for multicopy and ambiguous gene families in the RNA matrix")
}

// normalize replaces token strings that would be ambiguous in the
// output (numbers, or each other's meaning) with safe fallbacks.
func (tok *rnaTokens) normalize() {
	switch tok.NonPresent {
	case "NA", "NaN", "1":
		log.Warnf("unacceptable non-presence token %q, using %q", tok.NonPresent, "-")
		tok.NonPresent = "-"
	}
	switch tok.NaN {
	case "-", "1":
		log.Warnf("unacceptable not-a-number token %q, using %q", tok.NaN, "NA")
		tok.NaN = "NA"
	}
}

func (tok *rnaTokens) format(v rnaValue) string {
	switch v.kind {
	case rnaNonPresent:
		return tok.NonPresent
	case rnaNaN:
		return tok.NaN
	default:
		return fmt.Sprintf("%.3f", v.v)
	}
}

type samplePair struct {
	DNA string
	RNA string
}

// readSamplePairs reads a DNA/RNA pairing table: tab-separated, one
// header line, columns DNA sample id and RNA sample id.
func readSamplePairs(rdr io.Reader, path string) ([]samplePair, error) {
	var pairs []samplePair
	scanner := bufio.NewScanner(rdr)
	lineno := 0
	for scanner.Scan() {
		lineno++
		if lineno == 1 {
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, &MalformedRecordError{Path: path, Line: lineno, Reason: "missing RNA sample id column"}
		}
		pairs = append(pairs, samplePair{DNA: fields[0], RNA: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

// rnaLogScale divides the log2 expression values so one unit of
// output corresponds to a 1024-fold expression change.
const rnaLogScale = 10

type rnaResult struct {
	PlateauMedian float64 // median RNA/DNA ratio over plateau families
	ZeroPct       float64 // percentage of plateau families with ratio 0
	Accepted      bool
	Values        []rnaValue
}

// coindexRNA computes one sample pair's RNA expression values from
// the DNA and RNA family coverages and the DNA index. Families on the
// DNA plateau get their RNA/DNA coverage ratio normalized by the
// plateau median; absent families get the non-presence token;
// multicopy and ambiguous families get the not-a-number token. A zero
// DNA coverage makes the ratio 0 rather than undefined.
func coindexRNA(dnaCov, rnaCov []float64, idx []dnaIndex) rnaResult {
	ratio := make([]float64, len(dnaCov))
	var plateau []float64
	for fi, dc := range dnaCov {
		if dc != 0 {
			ratio[fi] = rnaCov[fi] / dc
		}
		if idx[fi] == dnaPresent {
			plateau = append(plateau, ratio[fi])
		}
	}
	r := rnaResult{
		PlateauMedian: median(plateau),
		Values:        make([]rnaValue, len(dnaCov)),
	}
	zeroes := 0
	for fi := range dnaCov {
		switch idx[fi] {
		case dnaPresent:
			norm := 0.0
			if r.PlateauMedian > 0 {
				norm = ratio[fi] / r.PlateauMedian
			}
			if norm == 0 {
				zeroes++
			}
			r.Values[fi] = rnaNum(norm)
		case dnaAbsent:
			r.Values[fi] = rnaValue{kind: rnaNonPresent}
		default:
			r.Values[fi] = rnaValue{kind: rnaNaN}
		}
	}
	if len(plateau) == 0 {
		r.ZeroPct = 100
	} else {
		r.ZeroPct = float64(zeroes) / float64(len(plateau)) * 100
	}
	return r
}

// logTransform rewrites the numeric expression values v as
// log2(v)/rnaLogScale + 1, leaving zeroes and tokens alone.
func (r *rnaResult) logTransform() {
	for i, v := range r.Values {
		if v.kind == rnaNumber && v.v != 0 {
			r.Values[i] = rnaNum(math.Log2(v.v)/rnaLogScale + 1)
		}
	}
}
