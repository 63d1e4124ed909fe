// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type coverageSuite struct{}

var _ = check.Suite(&coverageSuite{})

func (s *coverageSuite) TestSampleName(c *check.C) {
	for _, trial := range []struct {
		path  string
		clade string
		id    string
	}{
		{"path/to/panprof_sampleA_ecoli.csv", "ecoli", "sampleA"},
		{"panprof_s1_ecoli.csv.bz2", "ecoli", "s1"},
		{"panprof_s1_ecoli.csv.gz", "panprof_ecoli", "s1"},
		{"s2_ecoli.txt", "ecoli", "s2"},
		{"/data.csv/panprof_s3_ecoli.csv", "ecoli", "s3"},
		{"panprof_ecoli2_ecoli.zip", "ecoli", "ecoli2"},
	} {
		c.Check(sampleName(trial.path, trial.clade), check.Equals, trial.id, check.Commentf("%+v", trial))
	}
}

func (s *coverageSuite) TestReadGeneCoverage(c *check.C) {
	cov, err := readGeneCoverage(strings.NewReader("g1\t10\ng2\t0\n\ng3\t7\n"), "cov.csv")
	c.Assert(err, check.IsNil)
	c.Check(cov, check.DeepEquals, map[string]int{"g1": 10, "g2": 0, "g3": 7})

	_, err = readGeneCoverage(strings.NewReader("g1\n"), "cov.csv")
	c.Check(err, check.ErrorMatches, `cov.csv line 1: missing coverage column`)

	_, err = readGeneCoverage(strings.NewReader("g1\t10\ng2\tx\n"), "cov.csv")
	c.Check(err, check.ErrorMatches, `cov.csv line 2: non-numeric coverage "x"`)
}

func (s *coverageSuite) TestFindCoverageFiles(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.Mkdir(filepath.Join(dir, "sub"), 0777), check.IsNil)
	for _, name := range []string{
		"panprof_s1_ecoli.csv",
		"sub/panprof_s2_ecoli.csv.gz",
		"panprof_ecoli_pangenome.csv",
		"notes_ecoli.txt",
		"other_clade.csv",
	} {
		c.Assert(os.WriteFile(filepath.Join(dir, name), nil, 0666), check.IsNil)
	}
	found, err := findCoverageFiles(dir, "ecoli")
	c.Assert(err, check.IsNil)
	c.Check(found, check.DeepEquals, []string{
		filepath.Join(dir, "panprof_s1_ecoli.csv"),
		filepath.Join(dir, "sub", "panprof_s2_ecoli.csv.gz"),
	})

	_, err = findCoverageFiles(c.MkDir(), "ecoli")
	c.Check(err, check.ErrorMatches, `no ecoli gene coverage files found in .*`)

	_, err = findCoverageFiles("/nonexistent", "ecoli")
	c.Check(err, check.ErrorMatches, `no ecoli gene coverage files found in /nonexistent`)
}

func (s *coverageSuite) TestFindSampleFile(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.Mkdir(filepath.Join(dir, "sub"), 0777), check.IsNil)
	for _, name := range []string{
		"panprof_r1_a.csv",
		"sub/panprof_r1_b.csv.bz2",
		"panprof_r2_a.csv",
	} {
		c.Assert(os.WriteFile(filepath.Join(dir, name), nil, 0666), check.IsNil)
	}
	path, err := findSampleFile(dir, "r2")
	c.Assert(err, check.IsNil)
	c.Check(path, check.Equals, filepath.Join(dir, "panprof_r2_a.csv"))

	path, err = findSampleFile(dir, "r3")
	c.Assert(err, check.IsNil)
	c.Check(path, check.Equals, "")

	// two matches, the lexically first one wins
	path, err = findSampleFile(dir, "r1")
	c.Assert(err, check.IsNil)
	c.Check(path, check.Equals, filepath.Join(dir, "panprof_r1_a.csv"))
}

func (s *coverageSuite) TestFindPangenome(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "panprof_testclade_pangenome.csv.gz")
	c.Assert(os.WriteFile(path, nil, 0666), check.IsNil)

	found, err := findPangenome(path, "", "")
	c.Assert(err, check.IsNil)
	c.Check(found, check.Equals, path)

	_, err = findPangenome(filepath.Join(dir, "nonexistent.csv"), "", "")
	c.Check(err, check.ErrorMatches, `stat .*: no such file or directory`)

	found, err = findPangenome("", dir, "testclade")
	c.Assert(err, check.IsNil)
	c.Check(found, check.Equals, path)

	found, err = findPangenome("", dir, "panprof_testclade")
	c.Assert(err, check.IsNil)
	c.Check(found, check.Equals, path)

	envdir := c.MkDir()
	envpath := filepath.Join(envdir, "testclade_pangenome.csv")
	c.Assert(os.WriteFile(envpath, nil, 0666), check.IsNil)
	os.Setenv("PANPROF_INDEXES", envdir)
	defer os.Unsetenv("PANPROF_INDEXES")

	found, err = findPangenome("", "", "testclade")
	c.Assert(err, check.IsNil)
	c.Check(found, check.Equals, envpath)

	// the coverage input dir takes precedence over $PANPROF_INDEXES
	found, err = findPangenome("", dir, "testclade")
	c.Assert(err, check.IsNil)
	c.Check(found, check.Equals, path)

	_, err = findPangenome("", "", "nosuchclade")
	c.Check(err, check.ErrorMatches, `pangenome file for clade nosuchclade not found`)
}

func (s *coverageSuite) TestFindFilesNonexistentDir(c *check.C) {
	found, err := findFiles("/nonexistent/dir", func(string) bool { return true })
	c.Check(err, check.IsNil)
	c.Check(found, check.IsNil)
}
