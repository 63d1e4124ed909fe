// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	_ "embed"
	"flag"
	"fmt"
	"io"
	_ "net/http/pprof"
	"os/exec"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
)

// coveragePlot implements the "plot-coverage" subcommand: draw the
// sorted per-family coverage curves of every sample in a coverage
// matrix, raw and median-normalized, coloring the samples that pass
// the plateau filter.
type coveragePlot struct {
	plateau plateauFilter
}

//go:embed coverageplot.py
var coveragePlotScript string

func (cmd *coveragePlot) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	inputFilename := flags.String("i", "-", "input family coverage matrix `file`")
	outputFilename := flags.String("o", "", "output `filename` for the raw coverage plot (e.g., './coverage.png')")
	normOutputFilename := flags.String("normalized-output", "", "also output a median-normalized coverage plot `file`")
	genomeLength := flags.Int("genome-length", 0, "expected genome length in `families` (the avg genome length of the pangenome)")
	cmd.plateau.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *genomeLength <= 0 {
		err = fmt.Errorf("must provide -genome-length > 0")
		return 2
	}
	if err = cmd.plateau.validate(); err != nil {
		return 2
	}

	runner := arvadosContainerRunner{
		Name:        "panprof plot-coverage",
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: *projectUUID,
		RAM:         4 << 30,
		VCPUs:       1,
		Priority:    *priority,
		Mounts: map[string]map[string]interface{}{
			"/coverageplot.py": map[string]interface{}{
				"kind":    "text",
				"content": coveragePlotScript,
			},
		},
	}
	if !*runlocal {
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		*outputFilename = "/mnt/output/coverage.png"
		*normOutputFilename = "/mnt/output/coverage_normalized.png"
	}
	args = []string{
		*inputFilename,
		*outputFilename,
		*normOutputFilename,
		fmt.Sprintf("%d", *genomeLength),
		fmt.Sprintf("%g", cmd.plateau.MinCoverage),
		fmt.Sprintf("%g", cmd.plateau.LeftMax),
		fmt.Sprintf("%g", cmd.plateau.RightMin),
	}
	if *runlocal {
		if *outputFilename == "" {
			fmt.Fprintln(stderr, "error: must specify -o filename.png in local mode (or try -help)")
			return 1
		}
		cmd := exec.Command("python3", append([]string{"-"}, args...)...)
		cmd.Stdin = strings.NewReader(coveragePlotScript)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err = cmd.Run()
		if err != nil {
			return 1
		}
		return 0
	}
	runner.Prog = "python3"
	runner.Args = append([]string{"/coverageplot.py"}, args...)
	var output string
	output, err = runner.Run()
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, output+"/coverage.png")
	return 0
}
