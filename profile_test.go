// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type profileSuite struct{}

var _ = check.Suite(&profileSuite{})

func writeGzFile(c *check.C, path, content string) {
	f, err := os.Create(path)
	c.Assert(err, check.IsNil)
	w := gzip.NewWriter(f)
	_, err = w.Write([]byte(content))
	c.Assert(err, check.IsNil)
	c.Assert(w.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
}

type profileFixture struct {
	pangenome string
	inputDir  string
}

// two DNA samples: s1 passes the plateau filter with median family
// coverage 9.5, s2 fails it with median 0.2
func buildDNAFixture(c *check.C) profileFixture {
	fx := profileFixture{
		pangenome: filepath.Join(c.MkDir(), "panprof_testclade_pangenome.csv"),
		inputDir:  c.MkDir(),
	}
	c.Assert(os.WriteFile(fx.pangenome, []byte(testPangenome), 0666), check.IsNil)
	writeGzFile(c, filepath.Join(fx.inputDir, "panprof_s1_testclade.csv.gz"), "a1\t600\na2\t400\nb1\t900\nc2\t100\n")
	c.Assert(os.WriteFile(filepath.Join(fx.inputDir, "panprof_s2_testclade.csv"), []byte("a1\t10\na2\t10\nb1\t20\nc2\t0\n"), 0666), check.IsNil)
	return fx
}

func (s *profileSuite) TestProfilePresence(c *check.C) {
	fx := buildDNAFixture(c)
	var stdout, stderr bytes.Buffer
	exited := (&profilecmd{}).RunCommand("profile", []string{
		"-local",
		"-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, `	s1
A	1
B	1
`)
}

func (s *profileSuite) TestProfileMatrices(c *check.C) {
	fx := buildDNAFixture(c)
	outdir := c.MkDir()
	presence := filepath.Join(outdir, "presence.tsv")
	coverage := filepath.Join(outdir, "coverage.tsv")
	index := filepath.Join(outdir, "index.tsv")
	hits := filepath.Join(outdir, "hits.tsv")
	var stdout, stderr bytes.Buffer
	exited := (&profilecmd{}).RunCommand("profile", []string{
		"-local",
		"-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
		"-o", presence,
		"-coverage-output", coverage,
		"-index-output", index,
		"-strain-hits-output", hits,
		"-add-strains",
		"-strain-similarity-pct", "100",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0)

	buf, err := os.ReadFile(coverage)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `	s1	s2
A	10.000	0.200
B	9.000	0.200
C	1.000	0.000
`)

	buf, err = os.ReadFile(index)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `	s1	s2
A	1	1
B	1	1
C	-3	-3
`)

	// at 100% similarity only g1 survives, and family C, present
	// only in g2, drops out of the merged matrix
	buf, err = os.ReadFile(presence)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `	s1	g1
A	1	1
B	1	1
`)

	buf, err = os.ReadFile(hits)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `strainID	number_of_genes	s1
g1	2	100.0
g2	2	50.0
`)
}

func (s *profileSuite) TestProfileMergedStrains(c *check.C) {
	fx := buildDNAFixture(c)
	var stdout, stderr bytes.Buffer
	// out-of-range similarity resets to the default 50%, which both
	// strains satisfy
	exited := (&profilecmd{}).RunCommand("profile", []string{
		"-local",
		"-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
		"-add-strains",
		"-strain-similarity-pct", "150",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, `	s1	g1	g2
A	1	1	1
B	1	1	0
C	0	0	1
`)
}

func (s *profileSuite) TestProfileExclude(c *check.C) {
	fx := buildDNAFixture(c)
	var stdout, stderr bytes.Buffer
	exited := (&profilecmd{}).RunCommand("profile", []string{
		"-local",
		"-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
		"-exclude-samples", "s2, nosuchsample",
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)\ts1\n.*`)

	stdout.Reset()
	exited = (&profilecmd{}).RunCommand("profile", []string{
		"-local",
		"-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
		"-exclude-samples", "s1,s2",
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *profileSuite) TestProfileRNAPairs(c *check.C) {
	fx := buildDNAFixture(c)
	// s3 passes the plateau filter with all three families present
	c.Assert(os.WriteFile(filepath.Join(fx.inputDir, "panprof_s3_testclade.csv"), []byte("a1\t500\na2\t500\nb1\t950\nc2\t1100\n"), 0666), check.IsNil)
	rnaDir := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(rnaDir, "panprof_r1_testclade.csv"), []byte("a1\t1000\na2\t1000\nb1\t450\nc2\t77\n"), 0666), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(rnaDir, "panprof_r3_testclade.csv"), []byte("a1\t500\na2\t500\nb1\t475\nc2\t2200\n"), 0666), check.IsNil)
	pairs := filepath.Join(c.MkDir(), "pairs.tsv")
	c.Assert(os.WriteFile(pairs, []byte("DNA\tRNA\ns1\tr1\ns2\tnosuchrna\ns3\tr3\n"), 0666), check.IsNil)
	rnaOut := filepath.Join(c.MkDir(), "rna.tsv")

	var stdout, stderr bytes.Buffer
	exited := (&profilecmd{}).RunCommand("profile", []string{
		"-local",
		"-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
		"-rna-input-dir", rnaDir,
		"-sample-pairs", pairs,
		"-rna-output", rnaOut,
		"-o", "",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0)

	buf, err := os.ReadFile(rnaOut)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `	s1	s3
A	1.068	1.000
B	0.868	0.900
C	NP	1.100
`)
}

func (s *profileSuite) TestProfileParameterErrors(c *check.C) {
	fx := buildDNAFixture(c)
	for _, trial := range []struct {
		args   []string
		stderr string
	}{
		{
			args:   []string{"-local", "-input-dir", fx.inputDir},
			stderr: `must provide -clade or -pangenome\n`,
		},
		{
			args:   []string{"-local", "-clade", "testclade"},
			stderr: `must provide -input-dir.*\n`,
		},
		{
			args:   []string{"-local", "-clade", "testclade", "-input-dir", fx.inputDir, "-rna-input-dir", fx.inputDir},
			stderr: `-rna-input-dir requires -sample-pairs\n`,
		},
		{
			args:   []string{"-local", "-clade", "testclade", "-input-dir", fx.inputDir, "-sample-pairs", "pairs.tsv"},
			stderr: `-sample-pairs requires -rna-input-dir\n`,
		},
		{
			args:   []string{"-local", "-clade", "testclade", "-input-dir", fx.inputDir, "-th-present", "0.05"},
			stderr: `-th-present must be at least 0.1\n`,
		},
		{
			args:   []string{"-local", "-clade", "testclade", "-input-dir", fx.inputDir, "-left-max", "0.5"},
			stderr: `(?s)-left-max.*-right-min.*\n`,
		},
	} {
		var stdout, stderr bytes.Buffer
		exited := (&profilecmd{}).RunCommand("profile", trial.args, nil, &stdout, &stderr)
		c.Check(exited, check.Equals, 2, check.Commentf("%v", trial.args))
		c.Check(stderr.String(), check.Matches, trial.stderr, check.Commentf("%v", trial.args))
	}
}

func (s *profileSuite) TestProfileRunErrors(c *check.C) {
	fx := buildDNAFixture(c)

	var stdout, stderr bytes.Buffer
	exited := (&profilecmd{}).RunCommand("profile", []string{
		"-local", "-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", c.MkDir(),
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `no testclade gene coverage files found in .*\n`)

	stderr.Reset()
	exited = (&profilecmd{}).RunCommand("profile", []string{
		"-local", "-clade", "testclade",
		"-pangenome", "/nonexistent/pangenome.csv",
		"-input-dir", fx.inputDir,
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `stat /nonexistent/pangenome.csv: no such file or directory\n`)

	stderr.Reset()
	pairs := filepath.Join(c.MkDir(), "pairs.tsv")
	c.Assert(os.WriteFile(pairs, []byte("DNA\tRNA\nzz\tr1\n"), 0666), check.IsNil)
	exited = (&profilecmd{}).RunCommand("profile", []string{
		"-local", "-clade", "testclade",
		"-pangenome", fx.pangenome,
		"-input-dir", fx.inputDir,
		"-rna-input-dir", c.MkDir(),
		"-sample-pairs", pairs,
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `no sample pair in .* matches a coverage file in .*\n`)
}
