// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// statscmd implements the "stats" subcommand: summarize a pangenome
// table as JSON.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "-", "input pangenome table `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "panprof stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         1000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = ioutil.NopCloser(stdin)
	} else {
		input, err = zopen(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(input, *inputFilename, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type quantileSummary struct {
	Min    float64
	Q1     float64
	Median float64
	Q3     float64
	Max    float64
	Mean   float64
	StdDev float64
}

func summarize(v []float64) quantileSummary {
	if len(v) == 0 {
		return quantileSummary{}
	}
	sort.Float64s(v)
	s := quantileSummary{
		Min:    v[0],
		Q1:     stat.Quantile(0.25, stat.Empirical, v, nil),
		Median: stat.Quantile(0.5, stat.Empirical, v, nil),
		Q3:     stat.Quantile(0.75, stat.Empirical, v, nil),
		Max:    v[len(v)-1],
		Mean:   stat.Mean(v, nil),
	}
	if len(v) > 1 {
		s.StdDev = stat.StdDev(v, nil)
	}
	return s
}

func (cmd *statscmd) doStats(input io.Reader, path string, output io.Writer) error {
	pg, err := readPangenome(input, path)
	if err != nil {
		return err
	}

	var ret struct {
		GeneFamilies    int
		Genes           int
		Strains         int
		AvgGenomeLength int
		GeneLength      quantileSummary
		FamilySize      quantileSummary // genes per family
		GenomeSize      quantileSummary // families per strain genome
	}
	ret.GeneFamilies = len(pg.families)
	ret.Genes = len(pg.geneFamily)
	ret.Strains = len(pg.strains)
	ret.AvgGenomeLength = pg.avgGenomeLen

	lengths := make([]float64, 0, len(pg.geneLength))
	for _, l := range pg.geneLength {
		lengths = append(lengths, float64(l))
	}
	ret.GeneLength = summarize(lengths)

	sizes := make([]float64, len(pg.famGenes))
	for fi, n := range pg.famGenes {
		sizes[fi] = float64(n)
	}
	ret.FamilySize = summarize(sizes)

	genomes := make([]float64, len(pg.strainSize))
	for si, n := range pg.strainSize {
		genomes[si] = float64(n)
	}
	ret.GenomeSize = summarize(genomes)

	return json.NewEncoder(output).Encode(ret)
}
