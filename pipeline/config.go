// Package pipeline runs the full workflow stage by stage, checkpointing the
// container after each stage so interrupted runs resume where they stopped.
package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"scount/transform"
)

// InputConfig names one condition's count source. Exactly one of DensePath
// and TripletDir must be set.
type InputConfig struct {
	Condition  string `json:"condition"`
	DensePath  string `json:"dense_path,omitempty"`
	TripletDir string `json:"triplet_dir,omitempty"`
}

type Config struct {
	Inputs        []InputConfig `json:"inputs"`
	CheckpointDir string        `json:"checkpoint_dir,omitempty"`
	OutDir        string        `json:"out_dir"`

	MinCells    int     `json:"min_cells"`
	MinFeatures int     `json:"min_features"`
	MaxFeatures int     `json:"max_features"`
	MaxMitoPct  float64 `json:"max_mito_pct"`
	MitoPrefix  string  `json:"mito_prefix"`

	ScaleFactor       float64  `json:"scale_factor"`
	NVariableFeatures int      `json:"n_variable_features"`
	ClipMax           float64  `json:"clip_max"`
	RegressOut        []string `json:"regress_out,omitempty"`

	NComponents         int     `json:"n_components"`
	JackstrawReplicates int     `json:"jackstraw_replicates"`
	JackstrawFrac       float64 `json:"jackstraw_frac"`

	KnnK       int     `json:"knn_k"`
	SNNPrune   float64 `json:"snn_prune"`
	Resolution float64 `json:"resolution"`

	MinPct           float64 `json:"min_pct"`
	LogFCThreshold   float64 `json:"logfc_threshold"`
	MaxCellsPerGroup int     `json:"max_cells_per_group"`

	// ClusterNames maps cluster labels (as decimal strings, for JSON) to
	// cell-type annotations applied after clustering.
	ClusterNames map[string]string `json:"cluster_names,omitempty"`

	Seed uint64 `json:"seed"`
}

// Default is the starting configuration; inputs and output paths must still
// be filled in.
func Default() Config {
	return Config{
		MinCells:            3,
		MinFeatures:         200,
		MaxFeatures:         2500,
		MaxMitoPct:          5,
		MitoPrefix:          "MT-",
		ScaleFactor:         1e4,
		NVariableFeatures:   2000,
		ClipMax:             10,
		NComponents:         20,
		JackstrawReplicates: 0,
		JackstrawFrac:       0.01,
		KnnK:                20,
		SNNPrune:            1.0 / 15,
		Resolution:          0.8,
		MinPct:              0.1,
		LogFCThreshold:      0.25,
		Seed:                42,
	}
}

// ReadConfig decodes a JSON config over the defaults.
func ReadConfig(r io.Reader) (Config, error) {
	c := Default()
	dec := json.NewDecoder(r)
	if e := dec.Decode(&c); e != nil {
		return c, fmt.Errorf("ReadConfig: %w", e)
	}
	return c, nil
}

// ConfigurationError reports an invalid parameter before any stage runs.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("config %v: %v", e.Field, e.Msg)
}

func bad(field, format string, args ...any) error {
	return ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks every parameter eagerly so a bad run fails before reading
// any data.
func (c Config) Validate() error {
	if len(c.Inputs) == 0 {
		return bad("inputs", "no inputs")
	}
	conds := map[string]bool{}
	for i, in := range c.Inputs {
		field := fmt.Sprintf("inputs[%v]", i)
		if in.Condition == "" {
			return bad(field, "empty condition")
		}
		if conds[in.Condition] {
			return bad(field, "duplicate condition %v", in.Condition)
		}
		conds[in.Condition] = true
		if (in.DensePath == "") == (in.TripletDir == "") {
			return bad(field, "need exactly one of dense_path and triplet_dir")
		}
	}
	if c.OutDir == "" {
		return bad("out_dir", "empty")
	}
	if c.MinCells < 0 {
		return bad("min_cells", "%v < 0", c.MinCells)
	}
	if c.MinFeatures < 0 {
		return bad("min_features", "%v < 0", c.MinFeatures)
	}
	if c.MaxFeatures != 0 && c.MaxFeatures <= c.MinFeatures {
		return bad("max_features", "%v <= min_features %v", c.MaxFeatures, c.MinFeatures)
	}
	if c.MaxMitoPct < 0 || c.MaxMitoPct > 100 {
		return bad("max_mito_pct", "%v outside [0, 100]", c.MaxMitoPct)
	}
	if c.ScaleFactor <= 0 {
		return bad("scale_factor", "%v <= 0", c.ScaleFactor)
	}
	if c.NVariableFeatures <= 0 {
		return bad("n_variable_features", "%v <= 0", c.NVariableFeatures)
	}
	if c.ClipMax <= 0 {
		return bad("clip_max", "%v <= 0", c.ClipMax)
	}
	for _, cov := range c.RegressOut {
		if cov != transform.CovNCount && cov != transform.CovPctMito {
			return bad("regress_out", "unknown covariate %v", cov)
		}
	}
	if c.NComponents <= 0 {
		return bad("n_components", "%v <= 0", c.NComponents)
	}
	if c.JackstrawReplicates < 0 {
		return bad("jackstraw_replicates", "%v < 0", c.JackstrawReplicates)
	}
	if c.JackstrawReplicates > 0 && (c.JackstrawFrac <= 0 || c.JackstrawFrac > 1) {
		return bad("jackstraw_frac", "%v outside (0, 1]", c.JackstrawFrac)
	}
	if c.KnnK <= 0 {
		return bad("knn_k", "%v <= 0", c.KnnK)
	}
	if c.SNNPrune < 0 || c.SNNPrune >= 1 {
		return bad("snn_prune", "%v outside [0, 1)", c.SNNPrune)
	}
	if c.Resolution <= 0 {
		return bad("resolution", "%v <= 0", c.Resolution)
	}
	if c.MinPct < 0 || c.MinPct > 1 {
		return bad("min_pct", "%v outside [0, 1]", c.MinPct)
	}
	if c.LogFCThreshold < 0 {
		return bad("logfc_threshold", "%v < 0", c.LogFCThreshold)
	}
	if c.MaxCellsPerGroup < 0 {
		return bad("max_cells_per_group", "%v < 0", c.MaxCellsPerGroup)
	}
	for k := range c.ClusterNames {
		if _, e := strconv.Atoi(k); e != nil {
			return bad("cluster_names", "key %v is not a cluster label", k)
		}
	}
	return nil
}

// clusterNames converts the JSON string keys to labels. Validate has already
// checked they parse.
func (c Config) clusterNames() map[int]string {
	if len(c.ClusterNames) == 0 {
		return nil
	}
	out := make(map[int]string, len(c.ClusterNames))
	for k, v := range c.ClusterNames {
		n, e := strconv.Atoi(k)
		if e != nil {
			continue
		}
		out[n] = v
	}
	return out
}
