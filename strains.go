// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type strainVerdict struct {
	Strain   string
	Families int // distinct families in the strain genome
	Hits     int // strain families present in at least one sample
	Need     int // hits needed to survive
	Accepted bool
}

// filterStrains compares each reference strain's family content
// against the union of families present in the accepted samples. A
// strain survives if at least similarityPct percent (truncated) of
// its families are present somewhere in the sample set.
func filterStrains(pg *panGenome, sampleUnion []bool, similarityPct float64) []strainVerdict {
	verdicts := make([]strainVerdict, len(pg.strains))
	for si, strain := range pg.strains {
		v := strainVerdict{
			Strain:   strain,
			Families: pg.strainSize[si],
			Need:     int(float64(pg.strainSize[si]) * similarityPct / 100),
		}
		for fi, has := range pg.strainFams[si] {
			if has && sampleUnion[fi] {
				v.Hits++
				if v.Hits >= v.Need {
					break
				}
			}
		}
		v.Accepted = v.Hits >= v.Need
		verdicts[si] = v
	}
	return verdicts
}

// familyUnion reduces per-sample presence vectors to the set of
// families present in at least one sample.
func familyUnion(presence [][]bool, nfam int) []bool {
	union := make([]bool, nfam)
	for _, p := range presence {
		for fi, ok := range p {
			if ok {
				union[fi] = true
			}
		}
	}
	return union
}

// neverPresentFamilies returns the families absent from every
// surviving strain. The merged presence matrix drops these rows.
func neverPresentFamilies(pg *panGenome, verdicts []strainVerdict) []bool {
	never := make([]bool, len(pg.families))
	for fi := range never {
		never[fi] = true
	}
	for si, v := range verdicts {
		if !v.Accepted {
			continue
		}
		for fi, has := range pg.strainFams[si] {
			if has {
				never[fi] = false
			}
		}
	}
	return never
}

// strainGeneHits returns, for every strain and every sample, the
// percentage of the strain's families that are present in the sample.
// presence is indexed like samples; the result is indexed
// [strain][sample].
func strainGeneHits(pg *panGenome, presence [][]bool) [][]float64 {
	hits := make([][]float64, len(pg.strains))
	for si := range pg.strains {
		row := make([]float64, len(presence))
		for pi, p := range presence {
			n := 0
			for fi, has := range pg.strainFams[si] {
				if has && p[fi] {
					n++
				}
			}
			row[pi] = float64(n) / float64(pg.strainSize[si]) * 100
		}
		hits[si] = row
	}
	return hits
}

// strainscmd implements the "strains" subcommand: write the
// presence/absence matrix of the pangenome's reference strains,
// without profiling any samples.
type strainscmd struct {
	clade          string
	pangenomePath  string
	outputFilename string
}

func (cmd *strainscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.clade, "clade", "", "clade `name` of the pangenome")
	flags.StringVar(&cmd.pangenomePath, "pangenome", "", "pangenome table `file` (default: search for *CLADE_pangenome.csv)")
	flags.StringVar(&cmd.outputFilename, "o", "-", "output `file` for the strain presence/absence matrix")
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

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if cmd.outputFilename != "-" {
			err = fmt.Errorf("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "panprof strains",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       2,
			Priority:    *priority,
			APIAccess:   true,
		}
		err = runner.TranslatePaths(&cmd.pangenomePath)
		if err != nil {
			return 1
		}
		runner.Args = []string{"strains", "-local=true",
			"-clade", cmd.clade,
			"-pangenome", cmd.pangenomePath,
			"-o", "/mnt/output/strains_presence.tsv",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/strains_presence.tsv")
		return 0
	}

	pgPath, err := findPangenome(cmd.pangenomePath, "", cmd.clade)
	if err != nil {
		return 1
	}
	pg, err := loadPangenome(pgPath)
	if err != nil {
		return 1
	}
	log.Infof("pangenome %s: %d gene families, %d strains, avg genome length %d", pgPath, len(pg.families), len(pg.strains), pg.avgGenomeLen)

	if cmd.outputFilename == "-" {
		err = writeStrainMatrix(stdout, pg)
	} else {
		err = writeFile(cmd.outputFilename, func(w io.Writer) error {
			return writeStrainMatrix(w, pg)
		})
	}
	if err != nil {
		return 1
	}
	return 0
}

// writeStrainMatrix writes the presence/absence matrix of all
// reference strains over all families.
func writeStrainMatrix(w io.Writer, pg *panGenome) error {
	if err := writeHeader(w, pg.strains); err != nil {
		return err
	}
	for fi, fam := range pg.families {
		if _, err := fmt.Fprint(w, fam); err != nil {
			return err
		}
		for si := range pg.strains {
			if _, err := fmt.Fprint(w, tsvBool(pg.strainFams[si][fi])); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
