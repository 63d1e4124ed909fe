// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// profilecmd implements the "profile" subcommand: reduce per-gene
// coverage files to gene family presence/absence profiles for one
// clade, optionally comparing the samples against the pangenome's
// reference strains and co-indexing paired RNA samples.
type profilecmd struct {
	clade            string
	pangenomePath    string
	inputDir         string
	rnaInputDir      string
	pairsFilename    string
	excludeSamples   string
	presenceFilename string
	coverageFilename string
	indexFilename    string
	hitsFilename     string
	rnaFilename      string
	addStrains       bool
	similarityPct    float64
	rnaMaxZeroPct    float64
	thresholds       indexThresholds
	plateau          plateauFilter
	tokens           rnaTokens
}

// sampleData is everything the pipeline knows about one DNA sample.
type sampleData struct {
	id      string
	path    string
	rnaPath string // paired RNA coverage file, "" if none
	famCov  []float64
	normCov []float64
	verdict sampleVerdict
	index   []dnaIndex
}

func (cmd *profilecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	flags.StringVar(&cmd.clade, "clade", "", "clade `name` of the pangenome the samples were mapped against")
	flags.StringVar(&cmd.pangenomePath, "pangenome", "", "pangenome table `file` (default: search for *CLADE_pangenome.csv)")
	flags.StringVar(&cmd.inputDir, "input-dir", "", "`directory` containing the DNA gene coverage files")
	flags.StringVar(&cmd.rnaInputDir, "rna-input-dir", "", "`directory` containing the RNA gene coverage files (requires -sample-pairs)")
	flags.StringVar(&cmd.pairsFilename, "sample-pairs", "", "DNA/RNA sample pairing table `file` (requires -input-dir and -rna-input-dir)")
	flags.StringVar(&cmd.excludeSamples, "exclude-samples", "", "comma-separated sample `ids` to skip")
	flags.StringVar(&cmd.presenceFilename, "o", "-", "output `file` for the presence/absence matrix (with -add-strains, the merged sample/strain matrix)")
	flags.StringVar(&cmd.coverageFilename, "coverage-output", "", "also output family coverage matrix `file`")
	flags.StringVar(&cmd.indexFilename, "index-output", "", "also output coverage index matrix `file`")
	flags.StringVar(&cmd.hitsFilename, "strain-hits-output", "", "also output strain gene hit percentage `file`")
	flags.StringVar(&cmd.rnaFilename, "rna-output", "", "also output RNA expression matrix `file` (requires -sample-pairs)")
	flags.BoolVar(&cmd.addStrains, "add-strains", false, "merge reference strain columns into the presence/absence matrix")
	flags.Float64Var(&cmd.similarityPct, "strain-similarity-pct", 50, "`percent` of a strain's families that must be present in the samples")
	flags.Float64Var(&cmd.rnaMaxZeroPct, "rna-max-zeros", 10, "maximum `percent` of zero expression plateau families for an RNA sample to be accepted")
	cmd.thresholds.Flags(flags)
	cmd.plateau.Flags(flags)
	cmd.tokens.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if cmd.clade == "" && cmd.pangenomePath == "" {
		err = fmt.Errorf("must provide -clade or -pangenome")
		return 2
	}
	if cmd.inputDir == "" {
		err = fmt.Errorf("must provide -input-dir (use the strains command to export reference strains without samples)")
		return 2
	}
	if cmd.pairsFilename == "" && cmd.rnaInputDir != "" {
		err = fmt.Errorf("-rna-input-dir requires -sample-pairs")
		return 2
	}
	if cmd.pairsFilename != "" && cmd.rnaInputDir == "" {
		err = fmt.Errorf("-sample-pairs requires -rna-input-dir")
		return 2
	}
	if err = cmd.thresholds.validate(); err != nil {
		return 2
	}
	if err = cmd.plateau.validate(); err != nil {
		return 2
	}
	if cmd.similarityPct < 0 || cmd.similarityPct > 100 {
		log.Warnf("-strain-similarity-pct %g out of range, resetting to default 50", cmd.similarityPct)
		cmd.similarityPct = 50
	}
	if cmd.rnaMaxZeroPct < 0 || cmd.rnaMaxZeroPct > 100 {
		log.Warnf("-rna-max-zeros %g out of range, resetting to default 10", cmd.rnaMaxZeroPct)
		cmd.rnaMaxZeroPct = 10
	}
	cmd.tokens.normalize()

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "panprof profile",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       16,
			Priority:    *priority,
			APIAccess:   true,
		}
		err = runner.TranslatePaths(&cmd.pangenomePath, &cmd.inputDir, &cmd.rnaInputDir, &cmd.pairsFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"profile", "-local=true",
			"-clade", cmd.clade,
			"-pangenome", cmd.pangenomePath,
			"-input-dir", cmd.inputDir,
			"-rna-input-dir", cmd.rnaInputDir,
			"-sample-pairs", cmd.pairsFilename,
			"-exclude-samples", cmd.excludeSamples,
			fmt.Sprintf("-add-strains=%v", cmd.addStrains),
			"-strain-similarity-pct", fmt.Sprintf("%g", cmd.similarityPct),
			"-rna-max-zeros", fmt.Sprintf("%g", cmd.rnaMaxZeroPct),
			"-th-zero", fmt.Sprintf("%g", cmd.thresholds.Zero),
			"-th-present", fmt.Sprintf("%g", cmd.thresholds.Present),
			"-th-multicopy", fmt.Sprintf("%g", cmd.thresholds.Multicopy),
			"-min-coverage", fmt.Sprintf("%g", cmd.plateau.MinCoverage),
			"-left-max", fmt.Sprintf("%g", cmd.plateau.LeftMax),
			"-right-min", fmt.Sprintf("%g", cmd.plateau.RightMin),
			"-np", cmd.tokens.NonPresent,
			"-nan", cmd.tokens.NaN,
			"-o", "/mnt/output/presence.tsv",
		}
		if cmd.coverageFilename != "" {
			runner.Args = append(runner.Args, "-coverage-output", "/mnt/output/coverage.tsv")
		}
		if cmd.indexFilename != "" {
			runner.Args = append(runner.Args, "-index-output", "/mnt/output/index.tsv")
		}
		if cmd.hitsFilename != "" {
			runner.Args = append(runner.Args, "-strain-hits-output", "/mnt/output/strain_hits.tsv")
		}
		if cmd.rnaFilename != "" {
			runner.Args = append(runner.Args, "-rna-output", "/mnt/output/rna_expression.tsv")
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/presence.tsv")
		return 0
	}

	pgPath, err := findPangenome(cmd.pangenomePath, cmd.inputDir, cmd.clade)
	if err != nil {
		return 1
	}
	pg, err := loadPangenome(pgPath)
	if err != nil {
		return 1
	}
	log.Infof("pangenome %s: %d gene families, %d genes, %d strains, avg genome length %d", pgPath, len(pg.families), len(pg.geneFamily), len(pg.strains), pg.avgGenomeLen)

	samples, err := cmd.discoverSamples()
	if err != nil {
		return 1
	}

	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for _, s := range samples {
		s := s
		throttle.Go(func() error {
			return cmd.loadSample(pg, s)
		})
	}
	if err = throttle.Wait(); err != nil {
		return 1
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].id < samples[j].id })

	var accepted []*sampleData
	for _, s := range samples {
		if s.verdict.Accepted {
			log.Infof("sample %s accepted (median plateau coverage %.3f)", s.id, s.verdict.Median)
			accepted = append(accepted, s)
		} else {
			log.Warnf("sample %s rejected: %s", s.id, s.verdict.Reason)
		}
	}
	log.Infof("%d of %d samples passed the plateau filter", len(accepted), len(samples))

	if cmd.coverageFilename != "" {
		err = writeOutput(cmd.coverageFilename, stdout, func(w io.Writer) error {
			return writeCoverageMatrix(w, pg, samples)
		})
		if err != nil {
			return 1
		}
	}
	if cmd.indexFilename != "" {
		err = writeOutput(cmd.indexFilename, stdout, func(w io.Writer) error {
			return writeIndexMatrix(w, pg, samples)
		})
		if err != nil {
			return 1
		}
	}

	var verdicts []strainVerdict
	if cmd.addStrains || cmd.hitsFilename != "" {
		union := familyUnion(presenceVectors(accepted), len(pg.families))
		verdicts = filterStrains(pg, union, cmd.similarityPct)
		for _, v := range verdicts {
			if !v.Accepted {
				log.Warnf("strain %s rejected: only %d of %d families present in the samples (need %d)", v.Strain, v.Hits, v.Families, v.Need)
			}
		}
	}

	if cmd.presenceFilename != "" {
		if len(accepted) == 0 {
			log.Warn("no presence/absence matrix written: no accepted samples")
		} else if cmd.addStrains {
			never := neverPresentFamilies(pg, verdicts)
			err = writeOutput(cmd.presenceFilename, stdout, func(w io.Writer) error {
				return writeMergedMatrix(w, pg, accepted, verdicts, never)
			})
		} else {
			err = writeOutput(cmd.presenceFilename, stdout, func(w io.Writer) error {
				return writePresenceMatrix(w, pg, accepted)
			})
		}
		if err != nil {
			return 1
		}
	}

	if cmd.hitsFilename != "" {
		if len(accepted) == 0 {
			log.Warn("no strain hits written: no accepted samples")
		} else {
			hits := strainGeneHits(pg, presenceVectors(accepted))
			err = writeOutput(cmd.hitsFilename, stdout, func(w io.Writer) error {
				return writeStrainHits(w, pg, sampleIDs(accepted), hits)
			})
			if err != nil {
				return 1
			}
		}
	}

	if cmd.pairsFilename != "" {
		err = cmd.runRNA(pg, accepted, stdout)
		if err != nil {
			return 1
		}
	}
	return 0
}

// discoverSamples finds the DNA coverage files to profile, either by
// scanning the input directory for the clade's coverage files, or, in
// paired DNA/RNA mode, by looking up each pair's samples.
func (cmd *profilecmd) discoverSamples() ([]*sampleData, error) {
	exclude := map[string]bool{}
	for _, id := range strings.Split(cmd.excludeSamples, ",") {
		if id = strings.TrimSpace(id); id != "" {
			exclude[id] = true
		}
	}
	var samples []*sampleData
	add := func(id, path, rnaPath string) {
		if exclude[id] {
			log.Infof("skipping excluded sample %s", id)
			return
		}
		samples = append(samples, &sampleData{id: id, path: path, rnaPath: rnaPath})
	}
	if cmd.pairsFilename == "" {
		paths, err := findCoverageFiles(cmd.inputDir, cmd.clade)
		if err != nil {
			return nil, err
		}
		log.Infof("found %d gene coverage files in %s", len(paths), cmd.inputDir)
		for _, path := range paths {
			add(sampleName(path, cmd.clade), path, "")
		}
		return samples, nil
	}
	f, err := os.Open(cmd.pairsFilename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pairs, err := readSamplePairs(f, cmd.pairsFilename)
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		path, err := findSampleFile(cmd.inputDir, pair.DNA)
		if err != nil {
			return nil, err
		}
		if path == "" {
			log.Warnf("no coverage file found for DNA sample %s, skipping pair", pair.DNA)
			continue
		}
		rnaPath, err := findSampleFile(cmd.rnaInputDir, pair.RNA)
		if err != nil {
			return nil, err
		}
		if rnaPath == "" {
			log.Warnf("no coverage file found for RNA sample %s, profiling DNA sample %s without expression", pair.RNA, pair.DNA)
		}
		add(sampleName(path, cmd.clade), path, rnaPath)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no sample pair in %s matches a coverage file in %s", cmd.pairsFilename, cmd.inputDir)
	}
	return samples, nil
}

// loadSample reads one sample's gene coverage file and computes its
// family coverages, plateau verdict, and coverage index.
func (cmd *profilecmd) loadSample(pg *panGenome, s *sampleData) error {
	f, err := zopen(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	geneCov, err := readGeneCoverage(f, s.path)
	if err != nil {
		return err
	}
	s.famCov = pg.familyCoverage(geneCov)
	s.verdict = cmd.plateau.evaluate(s.famCov, pg.avgGenomeLen)
	s.normCov = make([]float64, len(s.famCov))
	if s.verdict.Median > 0 {
		for fi, c := range s.famCov {
			s.normCov[fi] = c / s.verdict.Median
		}
	}
	s.index = cmd.thresholds.classifyVector(s.normCov)
	return nil
}

// runRNA co-indexes the RNA mates of the accepted DNA samples and
// writes the expression matrix.
func (cmd *profilecmd) runRNA(pg *panGenome, accepted []*sampleData, stdout io.Writer) error {
	var paired []*sampleData
	for _, s := range accepted {
		if s.rnaPath != "" {
			paired = append(paired, s)
		}
	}
	results := make([]rnaResult, len(paired))
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for i, s := range paired {
		i, s := i, s
		throttle.Go(func() error {
			f, err := zopen(s.rnaPath)
			if err != nil {
				return err
			}
			defer f.Close()
			geneCov, err := readGeneCoverage(f, s.rnaPath)
			if err != nil {
				return err
			}
			results[i] = coindexRNA(s.famCov, pg.familyCoverage(geneCov), s.index)
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return err
	}

	var ids []string
	var surviving []*rnaResult
	for i, s := range paired {
		r := &results[i]
		if r.ZeroPct <= cmd.rnaMaxZeroPct {
			log.Infof("RNA sample for %s accepted (%.1f%% zero expression)", s.id, r.ZeroPct)
			r.Accepted = true
			r.logTransform()
			ids = append(ids, s.id)
			surviving = append(surviving, r)
		} else {
			log.Warnf("RNA sample for %s rejected: %.1f%% zero expression > %g%%", s.id, r.ZeroPct, cmd.rnaMaxZeroPct)
		}
	}
	if cmd.rnaFilename == "" {
		return nil
	}
	return writeOutput(cmd.rnaFilename, stdout, func(w io.Writer) error {
		return writeRNAMatrix(w, pg, ids, surviving, &cmd.tokens)
	})
}

func sampleIDs(samples []*sampleData) []string {
	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.id
	}
	return ids
}

func presenceVectors(samples []*sampleData) [][]bool {
	vecs := make([][]bool, len(samples))
	for i, s := range samples {
		p := make([]bool, len(s.index))
		for fi, x := range s.index {
			p[fi] = x.present()
		}
		vecs[i] = p
	}
	return vecs
}

// writeFile writes fn's output to path through a buffered writer,
// removing the partial file if anything fails.
func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = fn(w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Infof("wrote %s", path)
	return nil
}

func writeOutput(path string, stdout io.Writer, fn func(io.Writer) error) error {
	if path == "-" {
		w := bufio.NewWriter(stdout)
		if err := fn(w); err != nil {
			return err
		}
		return w.Flush()
	}
	return writeFile(path, fn)
}

// writeHeader writes a matrix header line: an empty corner cell, then
// one column label per id.
func writeHeader(w io.Writer, ids []string) error {
	for _, id := range ids {
		if _, err := fmt.Fprintf(w, "\t%s", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func tsvBool(p bool) string {
	if p {
		return "\t1"
	}
	return "\t0"
}

// writeCoverageMatrix writes the family coverage of every sample,
// accepted or not, skipping families covered in no sample.
func writeCoverageMatrix(w io.Writer, pg *panGenome, samples []*sampleData) error {
	if err := writeHeader(w, sampleIDs(samples)); err != nil {
		return err
	}
	for fi, fam := range pg.families {
		sum := 0.0
		for _, s := range samples {
			sum += s.famCov[fi]
		}
		if sum <= 0 {
			continue
		}
		fmt.Fprint(w, fam)
		for _, s := range samples {
			fmt.Fprintf(w, "\t%.3f", s.famCov[fi])
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// writeIndexMatrix writes the coverage index of every sample,
// accepted or not, over the whole family universe.
func writeIndexMatrix(w io.Writer, pg *panGenome, samples []*sampleData) error {
	if err := writeHeader(w, sampleIDs(samples)); err != nil {
		return err
	}
	for fi, fam := range pg.families {
		fmt.Fprint(w, fam)
		for _, s := range samples {
			fmt.Fprintf(w, "\t%d", s.index[fi])
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// writePresenceMatrix writes the presence/absence matrix of the
// accepted samples, skipping families present in none of them.
func writePresenceMatrix(w io.Writer, pg *panGenome, accepted []*sampleData) error {
	if err := writeHeader(w, sampleIDs(accepted)); err != nil {
		return err
	}
	for fi, fam := range pg.families {
		present := false
		for _, s := range accepted {
			if s.index[fi].present() {
				present = true
				break
			}
		}
		if !present {
			continue
		}
		fmt.Fprint(w, fam)
		for _, s := range accepted {
			fmt.Fprint(w, tsvBool(s.index[fi].present()))
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// writeMergedMatrix writes the presence/absence matrix of the
// accepted samples together with the surviving reference strains,
// skipping families absent from every surviving strain.
func writeMergedMatrix(w io.Writer, pg *panGenome, accepted []*sampleData, verdicts []strainVerdict, never []bool) error {
	ids := sampleIDs(accepted)
	for _, v := range verdicts {
		if v.Accepted {
			ids = append(ids, v.Strain)
		}
	}
	if err := writeHeader(w, ids); err != nil {
		return err
	}
	for fi, fam := range pg.families {
		if never[fi] {
			continue
		}
		fmt.Fprint(w, fam)
		for _, s := range accepted {
			fmt.Fprint(w, tsvBool(s.index[fi].present()))
		}
		for si, v := range verdicts {
			if v.Accepted {
				fmt.Fprint(w, tsvBool(pg.strainFams[si][fi]))
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// writeStrainHits writes, for every strain, the percentage of its
// families present in each accepted sample.
func writeStrainHits(w io.Writer, pg *panGenome, ids []string, hits [][]float64) error {
	fmt.Fprint(w, "strainID\tnumber_of_genes")
	if err := writeHeader(w, ids); err != nil {
		return err
	}
	for si, strain := range pg.strains {
		fmt.Fprintf(w, "%s\t%d", strain, pg.strainSize[si])
		for _, pct := range hits[si] {
			fmt.Fprintf(w, "\t%.1f", pct)
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// writeRNAMatrix writes the log-scaled expression values of the
// accepted RNA samples, skipping families with no numeric value in
// any of them.
func writeRNAMatrix(w io.Writer, pg *panGenome, ids []string, results []*rnaResult, tokens *rnaTokens) error {
	if err := writeHeader(w, ids); err != nil {
		return err
	}
	for fi, fam := range pg.families {
		numeric := false
		for _, r := range results {
			if r.Values[fi].kind == rnaNumber {
				numeric = true
				break
			}
		}
		if !numeric {
			continue
		}
		fmt.Fprint(w, fam)
		for _, r := range results {
			fmt.Fprintf(w, "\t%s", tokens.format(r.Values[fi]))
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
