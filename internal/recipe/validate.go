package recipe

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsingmao/xwtrain/internal/config"
)

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule names reported in findings.
const (
	RuleParse        = "parse"
	RuleStructure    = "structure"
	RuleRegistry     = "registry"
	RuleRange        = "range"
	RuleDatasetSplit = "dataset-split"
	RuleRoundTrip    = "round-trip"
)

// Finding is a single validation result.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Path     string   `json:"path,omitempty"`
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
}

// String formats the finding as "line 12: error [range] algorithms.sam.rho: ...".
func (f Finding) String() string {
	var b strings.Builder
	if f.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", f.Line)
	}
	fmt.Fprintf(&b, "%s [%s] ", f.Severity, f.Rule)
	if f.Path != "" {
		b.WriteString(f.Path)
		b.WriteString(": ")
	}
	b.WriteString(f.Message)
	return b.String()
}

// Report collects the findings for one recipe file.
type Report struct {
	File     string    `json:"file"`
	Findings []Finding `json:"findings"`
}

// HasErrors reports whether any finding has error severity.
func (r *Report) HasErrors() bool {
	return r.Count(SeverityError) > 0
}

// Count returns the number of findings with the given severity.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Options tunes a Validator.
type Options struct {
	// Strict reports every warning as an error.
	Strict bool
}

// Validator checks recipes against the allow-lists and ranges of one trainer
// release. It holds no mutable state and may be shared between goroutines.
type Validator struct {
	release *config.TrainerRelease
	opts    Options
}

// NewValidator creates a validator for a resolved trainer release.
func NewValidator(release *config.TrainerRelease, opts Options) *Validator {
	return &Validator{release: release, opts: opts}
}

// Release returns the trainer release the validator checks against.
func (v *Validator) Release() *config.TrainerRelease {
	return v.release
}

// registryBlocks lists the blocks whose keys are component names, with the
// severity of an unregistered name.
var registryBlocks = []struct {
	name     string
	severity Severity
}{
	{config.BlockAlgorithms, SeverityError},
	{config.BlockOptimizer, SeverityError},
	{config.BlockSchedulers, SeverityError},
	{config.BlockModel, SeverityError},
	{config.BlockCallbacks, SeverityWarning},
	{config.BlockLoggers, SeverityWarning},
	{config.BlockDevice, SeverityWarning},
	{config.BlockTrainData, SeverityWarning},
	{config.BlockValData, SeverityWarning},
}

// Validate runs every rule over a parsed document.
func (v *Validator) Validate(doc *Document) *Report {
	r := &reporter{report: &Report{File: doc.Name, Findings: []Finding{}}, strict: v.opts.Strict, doc: doc}

	v.checkStructure(r, doc)
	v.checkRegistry(r, doc)
	v.checkRanges(r, doc)
	checkDatasetSplit(r, doc)

	if err := RoundTrip(doc); err != nil {
		r.add(RuleRoundTrip, SeverityError, "", err.Error())
	}
	return r.report
}

// ValidateFile loads and validates one file. A file that cannot be parsed
// produces a report with a single parse finding.
func (v *Validator) ValidateFile(path string) *Report {
	doc, err := Load(path)
	if err != nil {
		return &Report{File: path, Findings: []Finding{{
			Rule:     RuleParse,
			Severity: SeverityError,
			Line:     errorLine(err),
			Message:  err.Error(),
		}}}
	}
	return v.Validate(doc)
}

func (v *Validator) checkStructure(r *reporter, doc *Document) {
	findings, err := checkSchema(doc.Mapping)
	if err != nil {
		r.add(RuleStructure, SeverityError, "", err.Error())
		return
	}
	for _, f := range findings {
		r.add(RuleStructure, SeverityError, f.path, f.message)
	}

	// Type errors of the typed view mostly repeat what the schema found.
	if len(findings) == 0 && doc.DecodeErr != nil {
		var te *yaml.TypeError
		if errors.As(doc.DecodeErr, &te) {
			for _, msg := range te.Errors {
				r.add(RuleStructure, SeverityError, "", msg)
			}
		} else {
			r.add(RuleStructure, SeverityError, "", doc.DecodeErr.Error())
		}
	}
}

func (v *Validator) checkRegistry(r *reporter, doc *Document) {
	rel := v.release
	root := doc.Root

	for _, p := range mappingPairs(root) {
		key := p.key
		if !rel.AllowsTopLevel(key.Value) {
			r.addAt(RuleRegistry, SeverityError, key.Value, key.Line,
				fmt.Sprintf("unknown top-level key for trainer %s", rel.Constraint))
		}
	}

	for _, block := range registryBlocks {
		node := lookupNode(root, []string{block.name})
		if node == nil || node.Kind != yaml.MappingNode {
			continue
		}
		pairs := mappingPairs(node)
		for _, p := range pairs {
			key := p.key
			if !rel.Allows(block.name, key.Value) {
				r.addAt(RuleRegistry, block.severity, block.name+"."+key.Value, key.Line,
					fmt.Sprintf("%q is not a registered %s name for trainer %s", key.Value, block.name, rel.Constraint))
			}
		}
		if block.name == config.BlockOptimizer || block.name == config.BlockModel {
			if n := len(pairs); n != 1 {
				r.addAt(RuleRegistry, SeverityError, block.name, node.Line,
					fmt.Sprintf("must name exactly one component, found %d", n))
			}
		}
	}
}

func (v *Validator) checkRanges(r *reporter, doc *Document) {
	for _, rule := range v.release.Ranges {
		matchNodes(doc.Root, splitPath(rule.Path), nil, func(path string, n *yaml.Node) {
			val, ok := numericValue(n)
			if !ok {
				return
			}
			if !rule.Contains(val) {
				r.addAt(RuleRange, SeverityError, path, n.Line,
					fmt.Sprintf("%s is outside %s", n.Value, rule.String()))
			}
		})
	}

	walkPairs(doc.Root, nil, func(path string, key, val *yaml.Node) {
		comment := val.LineComment
		if comment == "" {
			comment = key.LineComment
		}
		if comment == "" {
			return
		}
		rule, found, err := parseRangeComment(path, comment)
		if !found {
			return
		}
		if err != nil {
			r.addAt(RuleRange, SeverityWarning, path, key.Line, err.Error())
			return
		}
		num, ok := numericValue(val)
		if !ok {
			r.addAt(RuleRange, SeverityWarning, path, key.Line, "documented range on a non-numeric value")
			return
		}
		if !rule.Contains(num) {
			r.addAt(RuleRange, SeverityError, path, val.Line,
				fmt.Sprintf("%s is outside documented range %s", resolveNode(val).Value, rule.String()))
		}
	})
}

func checkDatasetSplit(r *reporter, doc *Document) {
	for _, split := range []struct {
		block string
		want  bool
	}{
		{config.BlockTrainData, true},
		{config.BlockValData, false},
	} {
		node := lookupNode(doc.Root, []string{split.block})
		if node == nil || node.Kind != yaml.MappingNode {
			continue
		}
		for _, p := range mappingPairs(node) {
			name, ds := p.key, resolveNode(p.val)
			path := split.block + "." + name.Value + ".is_train"
			if ds == nil || ds.Kind != yaml.MappingNode {
				continue
			}
			flag := lookupNode(ds, []string{"is_train"})
			if flag == nil {
				r.addAt(RuleDatasetSplit, SeverityError, path, name.Line,
					fmt.Sprintf("is_train is missing, expected %t", split.want))
				continue
			}
			var got bool
			if flag.Tag != "!!bool" || flag.Decode(&got) != nil {
				r.addAt(RuleDatasetSplit, SeverityError, path, flag.Line,
					fmt.Sprintf("is_train must be a boolean, got %q", flag.Value))
				continue
			}
			if got != split.want {
				r.addAt(RuleDatasetSplit, SeverityError, path, flag.Line,
					fmt.Sprintf("is_train is %t, expected %t in %s", got, split.want, split.block))
			}
		}
	}
}

// reporter appends findings to a report, promoting warnings in strict mode.
type reporter struct {
	report *Report
	strict bool
	doc    *Document
}

func (r *reporter) add(rule string, sev Severity, path, msg string) {
	line := 0
	if path != "" && r.doc != nil {
		if n := r.doc.Lookup(path); n != nil {
			line = n.Line
		}
	}
	r.addAt(rule, sev, path, line, msg)
}

func (r *reporter) addAt(rule string, sev Severity, path string, line int, msg string) {
	if r.strict && sev == SeverityWarning {
		sev = SeverityError
	}
	r.report.Findings = append(r.report.Findings, Finding{
		Rule:     rule,
		Severity: sev,
		Path:     path,
		Line:     line,
		Message:  msg,
	})
}

// matchNodes calls fn for every node reached by segs, where "*" matches any
// key at its level.
func matchNodes(n *yaml.Node, segs []string, prefix []string, fn func(path string, n *yaml.Node)) {
	n = resolveNode(n)
	if len(segs) == 0 {
		fn(strings.Join(prefix, "."), n)
		return
	}
	for _, p := range mappingPairs(n) {
		key := p.key.Value
		if segs[0] == "*" || segs[0] == key {
			matchNodes(p.val, segs[1:], append(prefix[:len(prefix):len(prefix)], key), fn)
		}
	}
}

// walkPairs calls fn for every key/value pair of every nested mapping,
// following aliases and merge keys. val is passed as written.
func walkPairs(n *yaml.Node, prefix []string, fn func(path string, key, val *yaml.Node)) {
	for _, p := range mappingPairs(n) {
		key, val := p.key, p.val
		path := append(prefix[:len(prefix):len(prefix)], key.Value)
		fn(strings.Join(path, "."), key, val)
		walkPairs(val, path, fn)
	}
}

// numericValue returns the value of an int or float scalar.
func numericValue(n *yaml.Node) (float64, bool) {
	n = resolveNode(n)
	if n == nil || n.Kind != yaml.ScalarNode {
		return 0, false
	}
	if n.Tag != "!!int" && n.Tag != "!!float" {
		return 0, false
	}
	var f float64
	if err := n.Decode(&f); err != nil {
		return 0, false
	}
	return f, true
}

// rangeComment matches documented ranges such as "# Range: [0.75, 2.6]" or
// "# range (0, 1]".
var rangeComment = regexp.MustCompile(`(?i)\brange\s*:?\s*([\[(])\s*([^,\])]+?)\s*,\s*([^\])]+?)\s*([\])])`)

// parseRangeComment extracts a range annotation from a YAML line comment.
// found is false when the comment carries no annotation.
func parseRangeComment(path, comment string) (rule config.RangeRule, found bool, err error) {
	m := rangeComment.FindStringSubmatch(comment)
	if m == nil {
		return config.RangeRule{}, false, nil
	}

	rule = config.RangeRule{
		Path:         path,
		MinExclusive: m[1] == "(",
		MaxExclusive: m[4] == ")",
	}
	if rule.Min, err = parseBound(m[2]); err != nil {
		return rule, true, fmt.Errorf("malformed range annotation %q: %w", strings.TrimSpace(m[0]), err)
	}
	if rule.Max, err = parseBound(m[3]); err != nil {
		return rule, true, fmt.Errorf("malformed range annotation %q: %w", strings.TrimSpace(m[0]), err)
	}
	if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
		return rule, true, fmt.Errorf("malformed range annotation %q: lower bound exceeds upper bound", strings.TrimSpace(m[0]))
	}
	return rule, true, nil
}

// parseBound parses one interval bound. Infinite bounds return nil.
func parseBound(s string) (*float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inf", "+inf", "-inf", "infinity", "+infinity", "-infinity":
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid bound %q", s)
	}
	return &v, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

// errorLine extracts the first line number mentioned in a YAML error.
func errorLine(err error) int {
	m := yamlLine.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
