// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// MalformedRecordError reports a pangenome table row that cannot be
// parsed.
type MalformedRecordError struct {
	Path   string
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Path, e.Line, e.Reason)
}

// panGenome is the gene family universe of one clade, as defined by a
// pangenome table. Every sample and reference strain is evaluated
// against exactly this set of families.
//
// Families and strains are sorted, and most per-family data lives in
// dense slices indexed by family index, so the classification loops
// never do string-keyed lookups.
type panGenome struct {
	families    []string       // sorted family ids
	familyIndex map[string]int
	geneFamily  map[string]int // gene id -> family index
	geneLength  map[string]int
	famGenes    []int          // member genes per family
	famLength   []int64        // total member gene length per family
	strains     []string       // sorted reference genome ids
	strainFams  [][]bool       // family content per strain, [strain][family]
	strainSize  []int          // distinct families per strain

	// avgGenomeLen is the truncated median of the per-strain family
	// set sizes. The plateau filter uses it as the expected genome
	// length L.
	avgGenomeLen int
}

// loadPangenome reads a pangenome table (tab-separated, no header,
// columns family/gene/genome/contig/start/stop) from a plain, gzip,
// or bzip2 compressed file.
func loadPangenome(path string) (*panGenome, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readPangenome(f, path)
}

func readPangenome(rdr io.Reader, path string) (*panGenome, error) {
	geneFamily := map[string]string{}
	geneLength := map[string]int{}
	genomeFams := map[string]map[string]bool{}
	scanner := bufio.NewScanner(rdr)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 6 {
			return nil, &MalformedRecordError{Path: path, Line: lineno, Reason: fmt.Sprintf("got %d fields, want 6", len(fields))}
		}
		fam, gene, genome := fields[0], fields[1], fields[2]
		start, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, &MalformedRecordError{Path: path, Line: lineno, Reason: fmt.Sprintf("non-numeric start coordinate %q", fields[4])}
		}
		stop, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, &MalformedRecordError{Path: path, Line: lineno, Reason: fmt.Sprintf("non-numeric stop coordinate %q", fields[5])}
		}
		length := stop - start
		if length < 0 {
			length = -length
		}
		geneLength[gene] = length + 1
		geneFamily[gene] = fam
		gf := genomeFams[genome]
		if gf == nil {
			gf = map[string]bool{}
			genomeFams[genome] = gf
		}
		gf[fam] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(geneFamily) == 0 {
		return nil, fmt.Errorf("%s: no pangenome records", path)
	}

	pg := &panGenome{
		familyIndex: map[string]int{},
		geneFamily:  make(map[string]int, len(geneFamily)),
		geneLength:  geneLength,
	}
	famset := map[string]bool{}
	for _, fam := range geneFamily {
		if !famset[fam] {
			famset[fam] = true
			pg.families = append(pg.families, fam)
		}
	}
	sort.Strings(pg.families)
	for fi, fam := range pg.families {
		pg.familyIndex[fam] = fi
	}
	pg.famGenes = make([]int, len(pg.families))
	pg.famLength = make([]int64, len(pg.families))
	for gene, fam := range geneFamily {
		fi := pg.familyIndex[fam]
		pg.geneFamily[gene] = fi
		pg.famGenes[fi]++
		pg.famLength[fi] += int64(geneLength[gene])
	}
	for genome := range genomeFams {
		pg.strains = append(pg.strains, genome)
	}
	sort.Strings(pg.strains)
	pg.strainFams = make([][]bool, len(pg.strains))
	pg.strainSize = make([]int, len(pg.strains))
	sizes := make([]float64, len(pg.strains))
	for si, genome := range pg.strains {
		content := make([]bool, len(pg.families))
		for fam := range genomeFams[genome] {
			content[pg.familyIndex[fam]] = true
		}
		pg.strainFams[si] = content
		pg.strainSize[si] = len(genomeFams[genome])
		sizes[si] = float64(len(genomeFams[genome]))
	}
	pg.avgGenomeLen = int(median(sizes))
	return pg, nil
}

// familyCoverage reduces a per-gene coverage map to per-family
// coverage: the sum of the member genes' raw coverage divided by the
// family's mean gene length. Genes missing from geneCov count as
// coverage 0 but still contribute their length to the denominator, so
// every family in the universe gets an entry. Genes not in the
// pangenome are ignored.
func (pg *panGenome) familyCoverage(geneCov map[string]int) []float64 {
	cov := make([]float64, len(pg.families))
	for gene, c := range geneCov {
		if fi, ok := pg.geneFamily[gene]; ok {
			cov[fi] += float64(c)
		}
	}
	for fi := range cov {
		cov[fi] /= float64(pg.famLength[fi]) / float64(pg.famGenes[fi])
	}
	return cov
}
