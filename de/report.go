package de

import (
	"fmt"
	"io"

	"github.com/jgbaldwinbrown/csvh"
)

// WriteMarkers writes one tab-separated row per marker with a header.
func WriteMarkers(w io.Writer, cluster int, ms []Marker) error {
	_, e := fmt.Fprintf(w, "cluster\tgene\tlog2fc\tp\tpadj\tpct1\tpct2\n")
	if e != nil {
		return fmt.Errorf("WriteMarkers: %w", e)
	}
	for _, m := range ms {
		_, e = fmt.Fprintf(w, "%d\t%s\t%g\t%g\t%g\t%g\t%g\n",
			cluster, m.Gene, m.Log2FC, m.PValue, m.PAdj, m.Pct1, m.Pct2)
		if e != nil {
			return fmt.Errorf("WriteMarkers: %w", e)
		}
	}
	return nil
}

// WriteMarkersPath writes a marker table to path, gzipped when the path ends
// in .gz.
func WriteMarkersPath(path string, cluster int, ms []Marker) (err error) {
	w, e := csvh.CreateMaybeGz(path)
	if e != nil {
		return fmt.Errorf("WriteMarkersPath: %w", e)
	}
	defer func() {
		e := w.Close()
		if err == nil {
			err = e
		}
	}()
	return WriteMarkers(w, cluster, ms)
}

// WriteConserved writes one row per gene per condition plus the pooled
// p-values, tab-separated with a header.
func WriteConserved(w io.Writer, cluster int, cms []ConservedMarker) error {
	_, e := fmt.Fprintf(w, "cluster\tgene\tcondition\tlog2fc\tp\tpct1\tpct2\tmax_p\tcombined_p\n")
	if e != nil {
		return fmt.Errorf("WriteConserved: %w", e)
	}
	for _, cm := range cms {
		for i, m := range cm.PerCondition {
			_, e = fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%g\t%g\t%g\t%g\t%g\n",
				cluster, cm.Gene, cm.Conditions[i], m.Log2FC, m.PValue, m.Pct1, m.Pct2,
				cm.MaxP, cm.CombinedP)
			if e != nil {
				return fmt.Errorf("WriteConserved: %w", e)
			}
		}
	}
	return nil
}
