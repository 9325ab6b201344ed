// Package ingest reads count matrices and builds the initial container.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jgbaldwinbrown/csvh"
	"github.com/jgbaldwinbrown/fasttsv"
	lscan "github.com/jgbaldwinbrown/lscan/pkg"

	"scount/expr"
)

// MalformedInputError reports a structural problem in an input matrix.
type MalformedInputError struct {
	Source string
	Msg    string
}

func (e MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input %v: %v", e.Source, e.Msg)
}

// ReadDenseTSV reads a gene-by-cell table. The first line holds cell names,
// each following line a gene name and one count per cell.
func ReadDenseTSV(name string, r io.Reader) (*expr.Matrix, error) {
	s := fasttsv.NewScanner(r)
	if !s.Scan() {
		return nil, MalformedInputError{name, "empty input"}
	}
	header := append([]string{}, s.Line()...)
	cells := header
	if len(header) > 0 && (header[0] == "" || header[0] == "gene") {
		cells = header[1:]
	}
	if len(cells) == 0 {
		return nil, MalformedInputError{name, "no cell columns"}
	}
	if e := checkUnique(cells); e != "" {
		return nil, MalformedInputError{name, e}
	}

	var genes []string
	var rows [][]float64
	seen := map[string]bool{}
	for s.Scan() {
		line := s.Line()
		if len(line) != len(cells)+1 {
			return nil, MalformedInputError{name, fmt.Sprintf("row %v has %v fields, want %v", len(genes)+1, len(line), len(cells)+1)}
		}
		g := line[0]
		if seen[g] {
			return nil, MalformedInputError{name, fmt.Sprintf("duplicate gene %v", g)}
		}
		seen[g] = true
		vals := make([]float64, len(cells))
		for i, f := range line[1:] {
			v, e := strconv.ParseFloat(f, 64)
			if e != nil {
				return nil, MalformedInputError{name, fmt.Sprintf("gene %v: bad count %q", g, f)}
			}
			if v < 0 {
				return nil, MalformedInputError{name, fmt.Sprintf("gene %v: negative count %v", g, v)}
			}
			vals[i] = v
		}
		genes = append(genes, g)
		rows = append(rows, vals)
	}
	if len(genes) == 0 {
		return nil, MalformedInputError{name, "no gene rows"}
	}

	m := expr.NewMatrix(genes, cells)
	for gi, vals := range rows {
		for ci, v := range vals {
			if v != 0 {
				m.Set(gi, ci, v)
			}
		}
	}
	return m, nil
}

// ReadDensePath reads a possibly gzipped dense TSV matrix.
func ReadDensePath(path string) (*expr.Matrix, error) {
	r, e := csvh.OpenMaybeGz(path)
	if e != nil {
		return nil, e
	}
	defer r.Close()
	return ReadDenseTSV(path, r)
}

// ReadTripletDir reads a sparse matrix directory: matrix.mtx with 1-based
// (gene, cell, count) triplets, genes.tsv, and barcodes.tsv. Files may be
// gzipped.
func ReadTripletDir(dir string) (*expr.Matrix, error) {
	genes, e := readNames(dir, "genes.tsv")
	if e != nil {
		return nil, e
	}
	cells, e := readNames(dir, "barcodes.tsv")
	if e != nil {
		return nil, e
	}

	path, r, e := openEither(dir, "matrix.mtx")
	if e != nil {
		return nil, e
	}
	defer r.Close()

	m := expr.NewMatrix(genes, cells)
	s := bufio.NewScanner(r)
	s.Buffer([]byte{}, 1e9)
	split := lscan.ByByte(' ')
	var fields []string
	sawSize := false
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields = lscan.SplitByFunc(fields, line, split)
		if len(fields) != 3 {
			return nil, MalformedInputError{path, fmt.Sprintf("line %q: want 3 fields", line)}
		}
		a, e1 := strconv.Atoi(fields[0])
		b, e2 := strconv.Atoi(fields[1])
		v, e3 := strconv.ParseFloat(fields[2], 64)
		if e1 != nil || e2 != nil || e3 != nil {
			return nil, MalformedInputError{path, fmt.Sprintf("line %q: non-numeric field", line)}
		}
		if !sawSize {
			if a != len(genes) || b != len(cells) {
				return nil, MalformedInputError{path, fmt.Sprintf("size %vx%v != genes %v x barcodes %v", a, b, len(genes), len(cells))}
			}
			sawSize = true
			continue
		}
		if a < 1 || a > len(genes) || b < 1 || b > len(cells) {
			return nil, MalformedInputError{path, fmt.Sprintf("triplet %v %v out of range", a, b)}
		}
		if v < 0 {
			return nil, MalformedInputError{path, fmt.Sprintf("negative count at %v %v", a, b)}
		}
		m.Set(a-1, b-1, v)
	}
	if e := s.Err(); e != nil {
		return nil, e
	}
	if !sawSize {
		return nil, MalformedInputError{path, "missing size line"}
	}
	return m, nil
}

func readNames(dir, base string) ([]string, error) {
	path, r, e := openEither(dir, base)
	if e != nil {
		return nil, e
	}
	defer r.Close()

	split := lscan.ByByte('\t')
	var fields []string
	var names []string
	seen := map[string]bool{}
	s := fasttsv.NewScanner(r)
	for s.Scan() {
		line := s.Line()
		if len(line) == 0 || line[0] == "" {
			continue
		}
		fields = lscan.SplitByFunc(fields, line[0], split)
		name := fields[0]
		if seen[name] {
			return nil, MalformedInputError{path, fmt.Sprintf("duplicate identifier %v", name)}
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, MalformedInputError{path, "no identifiers"}
	}
	return names, nil
}

func openEither(dir, base string) (string, io.ReadCloser, error) {
	path := filepath.Join(dir, base)
	r, e := csvh.OpenMaybeGz(path)
	if e != nil {
		gzpath := path + ".gz"
		r, e2 := csvh.OpenMaybeGz(gzpath)
		if e2 != nil {
			return path, nil, e
		}
		return gzpath, r, nil
	}
	return path, r, nil
}

func checkUnique(names []string) string {
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" {
			return "empty identifier"
		}
		if seen[n] {
			return fmt.Sprintf("duplicate identifier %v", n)
		}
		seen[n] = true
	}
	return ""
}
