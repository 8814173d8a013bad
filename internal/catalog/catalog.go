// Package catalog loads the static reference data the orchestrator plans
// against: known engine outputs (with path templates and partitioning),
// known hashgates (with verification method and upstream dependencies),
// and the orchestration policy.
//
// The catalogue is declarative configuration, loaded from YAML and
// validated against an embedded CUE schema before anything consumes it.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Verification method identifiers for gates. An empty method on a GateSpec
// means MethodBundleDigest.
const (
	MethodBundleDigest       = "sha256_bundle_digest"
	MethodMemberDigestConcat = "sha256_member_digest_concat"
	MethodIndexRawBytes      = "sha256_index_json_ascii_lex_raw_bytes"
)

// PartitionTokens are the only tokens a path template or gate scope may
// reference.
var PartitionTokens = []string{
	"manifest_fingerprint",
	"parameter_hash",
	"seed",
	"scenario_id",
	"run_id",
}

// OutputSpec declares one known engine output.
type OutputSpec struct {
	ID            string   `yaml:"id"`
	PathTemplate  string   `yaml:"path_template"`
	PartitionKeys []string `yaml:"partition_keys"`
	Required      bool     `yaml:"required"`
	Gates         []string `yaml:"gates"` // prerequisite gate ids
}

// GlobalScope reports whether the output is globally scoped, i.e. its
// partitioning names none of the per-run pins. Globally scoped outputs do
// not get instance receipts.
func (o OutputSpec) GlobalScope() bool {
	for _, k := range o.PartitionKeys {
		switch k {
		case "seed", "scenario_id", "parameter_hash", "run_id":
			return false
		}
	}
	return true
}

// GateSpec declares one known hashgate.
type GateSpec struct {
	ID                string   `yaml:"id"`
	Method            string   `yaml:"method"` // empty means MethodBundleDigest
	ScopeTokens       []string `yaml:"scope_tokens"`
	BundleTemplate    string   `yaml:"bundle_template"` // bundle root directory
	IndexTemplate     string   `yaml:"index_template"`  // index document (index methods only)
	FlagTemplate      string   `yaml:"flag_template"`   // "passed" marker document
	DigestField       string   `yaml:"digest_field"`    // member digest field for member-digest-concat
	Exclude           []string `yaml:"exclude"`         // filename exclusions
	Upstream          []string `yaml:"upstream"`        // upstream gate dependencies
	AuthorizesOutputs []string `yaml:"authorizes_outputs"`
}

// EffectiveMethod returns the gate's verification method with the default
// applied.
func (g GateSpec) EffectiveMethod() string {
	if g.Method == "" {
		return MethodBundleDigest
	}
	return g.Method
}

// Policy carries the orchestration policy revision and its knobs.
type Policy struct {
	Revision            string   `yaml:"revision"`
	DefaultOutputs      []string `yaml:"default_outputs"` // the "traffic" set
	AllowReuse          bool     `yaml:"allow_reuse"`
	EvidenceWaitSeconds int      `yaml:"evidence_wait_seconds"`
	AttemptLimit        int      `yaml:"attempt_limit"`
	LeaseTTLSeconds     int      `yaml:"lease_ttl_seconds"`
}

// Catalog is the loaded, validated reference data set.
type Catalog struct {
	Outputs map[string]OutputSpec
	Gates   map[string]GateSpec
	Policy  Policy
}

// document is the on-disk YAML shape.
type document struct {
	Outputs []OutputSpec `yaml:"outputs"`
	Gates   []GateSpec   `yaml:"gates"`
	Policy  Policy       `yaml:"policy"`
}

// Load reads, schema-validates, and indexes a catalogue config file.
// Validation happens before indexing; an invalid file never produces a
// partially usable Catalog.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog config: %w", err)
	}
	return Parse(raw)
}

// Parse validates and indexes catalogue config bytes.
func Parse(raw []byte) (*Catalog, error) {
	if errs := ValidateSchema(raw); len(errs) > 0 {
		return nil, fmt.Errorf("catalog config failed schema validation: %w", joinErrors(errs))
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog config: %w", err)
	}

	cat := &Catalog{
		Outputs: make(map[string]OutputSpec, len(doc.Outputs)),
		Gates:   make(map[string]GateSpec, len(doc.Gates)),
		Policy:  doc.Policy,
	}
	for _, out := range doc.Outputs {
		if _, dup := cat.Outputs[out.ID]; dup {
			return nil, fmt.Errorf("duplicate output id %q", out.ID)
		}
		cat.Outputs[out.ID] = out
	}
	for _, gate := range doc.Gates {
		if _, dup := cat.Gates[gate.ID]; dup {
			return nil, fmt.Errorf("duplicate gate id %q", gate.ID)
		}
		cat.Gates[gate.ID] = gate
	}

	if err := cat.checkReferences(); err != nil {
		return nil, err
	}
	return cat, nil
}

// checkReferences verifies every cross-reference in the catalogue resolves.
// Planning assumes a closed world; dangling ids must fail at load time, not
// in the middle of a run.
func (c *Catalog) checkReferences() error {
	for _, out := range c.Outputs {
		for _, g := range out.Gates {
			if _, ok := c.Gates[g]; !ok {
				return fmt.Errorf("output %q references unknown gate %q", out.ID, g)
			}
		}
	}
	for _, gate := range c.Gates {
		for _, g := range gate.Upstream {
			if _, ok := c.Gates[g]; !ok {
				return fmt.Errorf("gate %q references unknown upstream gate %q", gate.ID, g)
			}
		}
		for _, o := range gate.AuthorizesOutputs {
			if _, ok := c.Outputs[o]; !ok {
				return fmt.Errorf("gate %q authorizes unknown output %q", gate.ID, o)
			}
		}
	}
	for _, o := range c.Policy.DefaultOutputs {
		if _, ok := c.Outputs[o]; !ok {
			return fmt.Errorf("policy default_outputs references unknown output %q", o)
		}
	}
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("%s", msg)
}
