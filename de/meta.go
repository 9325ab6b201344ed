package de

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"scount/expr"
)

// ConservedMarker combines per-condition test results for one gene. CombinedP
// pools the evidence across conditions; MaxP is the conservative worst case.
type ConservedMarker struct {
	Gene         string
	Conditions   []string
	PerCondition []Marker
	MaxP         float64
	CombinedP    float64
}

// FindConservedMarkers runs the marker test separately within each condition,
// comparing cluster a against cluster b (-1 for all other cells), and keeps
// genes that pass the filters in every condition. Per-condition p-values are
// pooled with Fisher's method. Results are ordered by combined p-value, then
// gene name.
func FindConservedMarkers(d *expr.Dataset, assay string, a, b int, p Params) ([]ConservedMarker, error) {
	conds := d.Conditions()
	if len(conds) < 2 {
		return nil, fmt.Errorf("FindConservedMarkers: %v condition(s); need at least 2", len(conds))
	}

	perCond := make([]map[string]Marker, len(conds))
	for i, cond := range conds {
		sub, e := d.SubsetByCondition(cond)
		if e != nil {
			return nil, fmt.Errorf("FindConservedMarkers: %w", e)
		}
		g1, g2, e := GroupsByCluster(sub, a, b)
		if e != nil {
			return nil, fmt.Errorf("FindConservedMarkers: condition %v: %w", cond, e)
		}
		ms, e := FindMarkers(sub, assay, g1, g2, p)
		if e != nil {
			return nil, fmt.Errorf("FindConservedMarkers: condition %v: %w", cond, e)
		}
		byGene := make(map[string]Marker, len(ms))
		for _, m := range ms {
			byGene[m.Gene] = m
		}
		perCond[i] = byGene
	}

	var out []ConservedMarker
	for gene, first := range perCond[0] {
		cm := ConservedMarker{
			Gene:         gene,
			Conditions:   conds,
			PerCondition: []Marker{first},
			MaxP:         first.PValue,
		}
		ok := true
		for _, byGene := range perCond[1:] {
			m, found := byGene[gene]
			if !found {
				ok = false
				break
			}
			cm.PerCondition = append(cm.PerCondition, m)
			if m.PValue > cm.MaxP {
				cm.MaxP = m.PValue
			}
		}
		if !ok {
			continue
		}
		cm.CombinedP = fisherCombine(cm.PerCondition)
		out = append(out, cm)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedP != out[j].CombinedP {
			return out[i].CombinedP < out[j].CombinedP
		}
		return out[i].Gene < out[j].Gene
	})
	return out, nil
}

// fisherCombine pools two-sided p-values: -2 sum(ln p) is chi-squared with 2k
// degrees of freedom under the null.
func fisherCombine(ms []Marker) float64 {
	x := 0.0
	for _, m := range ms {
		p := m.PValue
		if p < 1e-300 {
			p = 1e-300
		}
		x += -2 * math.Log(p)
	}
	chi := distuv.ChiSquared{K: float64(2 * len(ms))}
	return chi.Survival(x)
}
