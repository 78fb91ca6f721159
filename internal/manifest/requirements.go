// Package manifest parses the pip dependency manifest that is installed into
// the training image.
//
// Only the subset of the requirements file format that matters for packaging
// is interpreted: package names, extras, version specifiers and environment
// markers. Option lines (-r, --extra-index-url, ...) and unnamed references
// (local paths, archive or VCS URLs) are kept verbatim but otherwise ignored.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// Requirement is a single package line of a requirements file.
type Requirement struct {
	// Name is the package name as written (e.g., "mosaicml").
	Name string

	// Extras lists the optional feature sets, e.g. ["all"] for "mosaicml[all]".
	Extras []string

	// Specifier is the raw version specifier (e.g., "==0.10.1", ">=1.0,<2").
	Specifier string

	// Marker is the environment marker after ';', if any.
	Marker string

	// URL is the target of a direct reference ("name @ url").
	URL string

	// Line is the 1-based line number in the manifest.
	Line int
}

// Manifest is a parsed requirements file.
type Manifest struct {
	Requirements []Requirement

	// Options holds option lines such as "--extra-index-url ...".
	Options []string

	// References holds lines naming a local path or URL without a package
	// name, such as "./wheels/ffcv-0.0.3-py3-none-any.whl".
	References []string
}

var (
	requirementPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[([^\]]*)\])?\s*(.*)$`)
	normalizePattern   = regexp.MustCompile(`[-_.]+`)
)

// NormalizeName returns the canonical form of a package name
// (lowercase, runs of '-', '_' and '.' collapsed into '-').
func NormalizeName(name string) string {
	return normalizePattern.ReplaceAllString(strings.ToLower(name), "-")
}

// ParseRequirements parses a pip requirements file.
//
// Parameters:
//   - r: Reader over the manifest contents
//
// Returns:
//   - Parsed manifest
//   - Error if a package line cannot be parsed or a package is listed twice
func ParseRequirements(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	var pending string
	startLine := 0

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()

		// Line continuations
		if strings.HasSuffix(raw, "\\") {
			if pending == "" {
				startLine = lineNo
			}
			pending += strings.TrimSuffix(raw, "\\")
			continue
		}
		line := raw
		at := lineNo
		if pending != "" {
			line = pending + raw
			at = startLine
			pending = ""
		}

		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "-") {
			m.Options = append(m.Options, line)
			continue
		}
		if isUnnamedReference(line) {
			m.References = append(m.References, line)
			continue
		}

		req, err := parseRequirementLine(line, at)
		if err != nil {
			return nil, err
		}

		key := NormalizeName(req.Name)
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("line %d: package %s already listed on line %d", at, req.Name, prev)
		}
		seen[key] = at
		m.Requirements = append(m.Requirements, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requirements: %w", err)
	}

	return m, nil
}

// LoadRequirements reads and parses a requirements file from disk.
func LoadRequirements(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dependency manifest: %w", err)
	}
	defer f.Close()

	m, err := ParseRequirements(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dependency manifest %s: %w", path, err)
	}
	return m, nil
}

// Find returns the requirement for a package name, matched after normalization.
func (m *Manifest) Find(name string) (*Requirement, bool) {
	key := NormalizeName(name)
	for i := range m.Requirements {
		if NormalizeName(m.Requirements[i].Name) == key {
			return &m.Requirements[i], true
		}
	}
	return nil, false
}

// Pinned reports whether the requirement pins exactly one version with "==".
func (r *Requirement) Pinned() bool {
	spec := strings.TrimSpace(r.Specifier)
	if !strings.HasPrefix(spec, "==") || strings.HasPrefix(spec, "===") {
		return false
	}
	return !strings.Contains(spec, ",") && !strings.Contains(spec, "*")
}

// Version returns the pinned version.
//
// Returns:
//   - Parsed version for "==" pins
//   - Error if the requirement is not pinned or the version does not parse
func (r *Requirement) Version() (*version.Version, error) {
	if !r.Pinned() {
		return nil, fmt.Errorf("package %s is not pinned to a single version (specifier %q)", r.Name, r.Specifier)
	}
	v, err := version.NewVersion(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(r.Specifier), "==")))
	if err != nil {
		return nil, fmt.Errorf("package %s: invalid version: %w", r.Name, err)
	}
	return v, nil
}

// String renders the requirement back into requirements-file syntax.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	b.WriteString(r.Specifier)
	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
	}
	if r.Marker != "" {
		b.WriteString("; " + r.Marker)
	}
	return b.String()
}

func parseRequirementLine(line string, lineNo int) (Requirement, error) {
	req := Requirement{Line: lineNo}

	if idx := strings.Index(line, ";"); idx >= 0 {
		req.Marker = strings.TrimSpace(line[idx+1:])
		line = strings.TrimSpace(line[:idx])
	}
	if head, url, ok := splitDirectReference(line); ok {
		req.URL = url
		line = head
	}

	match := requirementPattern.FindStringSubmatch(line)
	if match == nil {
		return req, fmt.Errorf("line %d: invalid requirement %q", lineNo, line)
	}

	req.Name = match[1]
	if match[2] != "" {
		for _, extra := range strings.Split(match[2], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
	}

	spec := strings.ReplaceAll(strings.TrimSpace(match[3]), " ", "")
	if spec != "" && !strings.ContainsAny(spec[:1], "=<>!~") {
		return req, fmt.Errorf("line %d: invalid version specifier %q", lineNo, match[3])
	}
	req.Specifier = spec

	return req, nil
}

// splitDirectReference splits "name[extras] @ url" into its package part
// and its URL.
func splitDirectReference(line string) (head, url string, ok bool) {
	head, url, ok = strings.Cut(line, "@")
	if !ok {
		return "", "", false
	}
	head, url = strings.TrimSpace(head), strings.TrimSpace(url)
	match := requirementPattern.FindStringSubmatch(head)
	if match == nil || strings.TrimSpace(match[3]) != "" || url == "" {
		return "", "", false
	}
	return head, url, true
}

// isUnnamedReference reports whether a line installs from a path or URL
// without naming the package.
func isUnnamedReference(line string) bool {
	if _, _, ok := splitDirectReference(line); ok {
		return false
	}
	if strings.HasPrefix(line, ".") || strings.Contains(line, "://") || strings.ContainsAny(line, `/\`) {
		return true
	}
	lower := strings.ToLower(line)
	for _, ext := range []string{".whl", ".tar.gz", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// stripComment removes a trailing "# ..." comment. A '#' only starts a
// comment at the beginning of a line or after whitespace.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return line[:i]
		}
	}
	return line
}
