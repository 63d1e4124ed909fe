// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type statsSuite struct{}

var _ = check.Suite(&statsSuite{})

func (s *statsSuite) TestSummarize(c *check.C) {
	c.Check(summarize(nil), check.DeepEquals, quantileSummary{})

	sum := summarize([]float64{2, 1, 1})
	c.Check(sum.Min, check.Equals, 1.0)
	c.Check(sum.Q1, check.Equals, 1.0)
	c.Check(sum.Median, check.Equals, 1.0)
	c.Check(sum.Q3, check.Equals, 2.0)
	c.Check(sum.Max, check.Equals, 2.0)

	sum = summarize([]float64{3, 1})
	c.Check(sum.Mean, check.Equals, 2.0)
	c.Check(sum.StdDev, check.Equals, math.Sqrt2)

	// a single observation has no deviation
	c.Check(summarize([]float64{7}).StdDev, check.Equals, 0.0)
}

func (s *statsSuite) TestStats(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&statscmd{}).RunCommand("stats", []string{"-local"}, strings.NewReader(testPangenome), &stdout, &stderr)
	c.Assert(exited, check.Equals, 0)

	var ret struct {
		GeneFamilies    int
		Genes           int
		Strains         int
		AvgGenomeLength int
		GeneLength      quantileSummary
		FamilySize      quantileSummary
		GenomeSize      quantileSummary
	}
	c.Assert(json.Unmarshal(stdout.Bytes(), &ret), check.IsNil)
	c.Check(ret.GeneFamilies, check.Equals, 3)
	c.Check(ret.Genes, check.Equals, 4)
	c.Check(ret.Strains, check.Equals, 2)
	c.Check(ret.AvgGenomeLength, check.Equals, 2)
	c.Check(ret.GeneLength.Mean, check.Equals, 100.0)
	c.Check(ret.GeneLength.StdDev, check.Equals, 0.0)
	c.Check(ret.FamilySize.Median, check.Equals, 1.0)
	c.Check(ret.FamilySize.Q3, check.Equals, 2.0)
	c.Check(ret.GenomeSize.Max, check.Equals, 2.0)
}

func (s *statsSuite) TestStatsMalformedInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&statscmd{}).RunCommand("stats", []string{"-local"}, strings.NewReader("bogus\n"), &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `- line 1: got 1 fields, want 6\n`)
}
