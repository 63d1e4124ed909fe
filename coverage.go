// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// readGeneCoverage reads one sample's gene coverage table
// (tab-separated, no header, columns gene/coverage).
func readGeneCoverage(rdr io.Reader, path string) (map[string]int, error) {
	cov := map[string]int{}
	scanner := bufio.NewScanner(rdr)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, &MalformedRecordError{Path: path, Line: lineno, Reason: "missing coverage column"}
		}
		c, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, &MalformedRecordError{Path: path, Line: lineno, Reason: fmt.Sprintf("non-numeric coverage %q", fields[1])}
		}
		cov[fields[0]] = c
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cov, nil
}

var coverageExtensions = []string{".csv", ".txt", ".bz2", ".gz", ".zip"}

// sampleName derives a sample id from a coverage file path like
// "some/path/panprof_SAMPLE_cladetag.csv.bz2", dropping the known
// extensions, the tool prefix, and the clade tag.
func sampleName(path, clade string) string {
	for _, ext := range coverageExtensions {
		path = strings.ReplaceAll(path, ext, "")
	}
	name := filepath.Base(path)
	tag := strings.ReplaceAll("_"+clade, "panprof_", "")
	name = strings.ReplaceAll(name, "panprof_", "")
	return strings.ReplaceAll(name, tag, "")
}

// findFiles walks dir recursively and returns the sorted paths of the
// files whose base name satisfies match. A nonexistent dir has no
// files.
func findFiles(dir string, match func(name string) bool) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var found []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if match(filepath.Base(path)) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

func isCoverageFile(name, tag string) bool {
	if !strings.Contains(name, tag) {
		return false
	}
	for _, suffix := range []string{".csv", ".csv.gz", ".csv.bz2"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// findCoverageFiles returns the gene coverage files for the given
// clade under dir: *tag*.csv with optional gz/bz2 compression,
// skipping pangenome tables that live in the same tree.
func findCoverageFiles(dir, clade string) ([]string, error) {
	tag := strings.ReplaceAll(clade, "panprof_", "")
	found, err := findFiles(dir, func(name string) bool {
		return isCoverageFile(name, tag)
	})
	if err != nil {
		return nil, err
	}
	var covs []string
	for _, path := range found {
		if !strings.Contains(path, "pangenome") {
			covs = append(covs, path)
		}
	}
	if len(covs) == 0 {
		return nil, fmt.Errorf("no %s gene coverage files found in %s", clade, dir)
	}
	return covs, nil
}

// findSampleFile returns the coverage file under dir whose name
// contains the given sample id, or "" if there is none.
func findSampleFile(dir, id string) (string, error) {
	found, err := findFiles(dir, func(name string) bool {
		return isCoverageFile(name, id)
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", nil
	}
	if len(found) > 1 {
		log.Warnf("found %d coverage files matching sample id %q, using %s", len(found), id, found[0])
	}
	return found[0], nil
}

// findPangenome locates the clade's pangenome table. An explicitly
// given path wins; otherwise the working directory, the coverage
// input directory, and $PANPROF_INDEXES are searched in that order
// for *tag_pangenome.csv with optional gz/bz2 compression.
func findPangenome(explicit, inputDir, clade string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	tag := strings.ReplaceAll(clade, "panprof_", "")
	match := func(name string) bool {
		for _, suffix := range []string{".csv", ".csv.gz", ".csv.bz2"} {
			if strings.HasSuffix(name, tag+"_pangenome"+suffix) {
				return true
			}
		}
		return false
	}
	for _, dir := range []string{".", inputDir, os.Getenv("PANPROF_INDEXES")} {
		if dir == "" {
			continue
		}
		found, err := findFiles(dir, match)
		if err != nil {
			return "", err
		}
		if len(found) > 1 {
			log.Warnf("found %d matching pangenome files, using %s", len(found), found[0])
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return "", fmt.Errorf("pangenome file for clade %s not found", clade)
}
