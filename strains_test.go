// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type strainsSuite struct{}

var _ = check.Suite(&strainsSuite{})

func loadTestPangenome(c *check.C) *panGenome {
	pg, err := readPangenome(strings.NewReader(testPangenome), "test.csv")
	c.Assert(err, check.IsNil)
	return pg
}

func (s *strainsSuite) TestFilterStrains(c *check.C) {
	pg := loadTestPangenome(c)
	union := []bool{true, true, false} // families A and B

	verdicts := filterStrains(pg, union, 100)
	c.Check(verdicts, check.DeepEquals, []strainVerdict{
		{Strain: "g1", Families: 2, Hits: 2, Need: 2, Accepted: true},
		{Strain: "g2", Families: 2, Hits: 1, Need: 2, Accepted: false},
	})

	verdicts = filterStrains(pg, union, 50)
	c.Check(verdicts[0].Accepted, check.Equals, true)
	c.Check(verdicts[1].Accepted, check.Equals, true)
	c.Check(verdicts[1].Need, check.Equals, 1)
}

func (s *strainsSuite) TestFilterStrainsZeroNeed(c *check.C) {
	pg := loadTestPangenome(c)
	verdicts := filterStrains(pg, []bool{false, false, false}, 0)
	c.Check(verdicts, check.DeepEquals, []strainVerdict{
		{Strain: "g1", Families: 2, Hits: 0, Need: 0, Accepted: true},
		{Strain: "g2", Families: 2, Hits: 0, Need: 0, Accepted: true},
	})
}

func (s *strainsSuite) TestFamilyUnion(c *check.C) {
	c.Check(familyUnion([][]bool{
		{true, false, false},
		{false, true, false},
	}, 3), check.DeepEquals, []bool{true, true, false})
	c.Check(familyUnion(nil, 3), check.DeepEquals, []bool{false, false, false})
}

func (s *strainsSuite) TestNeverPresentFamilies(c *check.C) {
	pg := loadTestPangenome(c)
	// g1 covers A and B, g2 covers A and C
	never := neverPresentFamilies(pg, []strainVerdict{{Accepted: true}, {Accepted: false}})
	c.Check(never, check.DeepEquals, []bool{false, false, true})
	never = neverPresentFamilies(pg, []strainVerdict{{Accepted: true}, {Accepted: true}})
	c.Check(never, check.DeepEquals, []bool{false, false, false})
	never = neverPresentFamilies(pg, []strainVerdict{{}, {}})
	c.Check(never, check.DeepEquals, []bool{true, true, true})
}

func (s *strainsSuite) TestStrainGeneHits(c *check.C) {
	pg := loadTestPangenome(c)
	hits := strainGeneHits(pg, [][]bool{
		{true, true, false},
		{true, false, false},
	})
	c.Check(hits, check.DeepEquals, [][]float64{
		{100, 50},
		{50, 50},
	})
}

func (s *strainsSuite) TestWriteStrainMatrix(c *check.C) {
	pg := loadTestPangenome(c)
	var buf bytes.Buffer
	c.Assert(writeStrainMatrix(&buf, pg), check.IsNil)
	c.Check(buf.String(), check.Equals, `	g1	g2
A	1	1
B	1	0
C	0	1
`)
}

func (s *strainsSuite) TestStrainsCommand(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "panprof_testclade_pangenome.csv")
	c.Assert(os.WriteFile(path, []byte(testPangenome), 0666), check.IsNil)

	var stdout, stderr bytes.Buffer
	exited := (&strainscmd{}).RunCommand("strains", []string{"-local", "-pangenome", path}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)\tg1\tg2\nA\t1\t1\n.*`)

	outfile := filepath.Join(c.MkDir(), "strains.tsv")
	stdout.Reset()
	exited = (&strainscmd{}).RunCommand("strains", []string{"-local", "-pangenome", path, "-o", outfile}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	buf, err := os.ReadFile(outfile)
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(buf), "\n"), check.Equals, 4)
}

func (s *strainsSuite) TestStrainsCommandCladeSearch(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "panprof_testclade_pangenome.csv")
	c.Assert(os.WriteFile(path, []byte(testPangenome), 0666), check.IsNil)
	os.Setenv("PANPROF_INDEXES", dir)
	defer os.Unsetenv("PANPROF_INDEXES")

	var stdout, stderr bytes.Buffer
	exited := (&strainscmd{}).RunCommand("strains", []string{"-local", "-clade", "testclade"}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(strings.Count(stdout.String(), "\n"), check.Equals, 4)
}

func (s *strainsSuite) TestStrainsCommandErrors(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&strainscmd{}).RunCommand("strains", []string{"-local"}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `must provide -clade or -pangenome\n`)

	stderr.Reset()
	exited = (&strainscmd{}).RunCommand("strains", []string{"-local", "-clade", "nosuchclade"}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `pangenome file for clade nosuchclade not found\n`)
}
