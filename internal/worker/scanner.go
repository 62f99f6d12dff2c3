package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"scanfleet/internal/models"
)

// ScanSpec carries per-job inputs into a scanner run.
type ScanSpec struct {
	Job      models.Job
	RulesDir string // directory with uploaded rule files, empty if none
	Ignore   []*regexp.Regexp
	Must     []*regexp.Regexp
}

// Scanner runs one security tool against a checked-out repository and returns
// its findings as a raw JSON document.
type Scanner interface {
	Name() string
	// NeedsFullHistory reports whether the checkout must include all
	// commits rather than a shallow tip.
	NeedsFullHistory() bool
	Run(ctx context.Context, checkoutDir string, spec ScanSpec) (json.RawMessage, error)
}

// DefaultScanners returns the built-in scanner set keyed by name.
func DefaultScanners() map[string]Scanner {
	return map[string]Scanner{
		models.ScannerSemgrep:             semgrepScanner{},
		models.ScannerTrufflehog:          trufflehogScanner{},
		models.ScannerDependencyConfusion: depConfusionScanner{},
	}
}

// pathAllowed applies the job's path filters to a repo-relative path.
func pathAllowed(path string, spec ScanSpec) bool {
	for _, re := range spec.Ignore {
		if re.MatchString(path) {
			return false
		}
	}
	for _, re := range spec.Must {
		if !re.MatchString(path) {
			return false
		}
	}
	return true
}

// filteredFiles walks the checkout and returns repo-relative paths that pass
// the job's path filters. The .git directory is always skipped.
func filteredFiles(dir string, spec ScanSpec) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if pathAllowed(rel, spec) {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

type semgrepScanner struct{}

func (semgrepScanner) Name() string           { return models.ScannerSemgrep }
func (semgrepScanner) NeedsFullHistory() bool { return false }

// maxTargetArgBytes bounds the file list handed to one semgrep invocation
// so large repos stay under the OS argv limit.
const maxTargetArgBytes = 128 * 1024

func (semgrepScanner) Run(ctx context.Context, checkoutDir string, spec ScanSpec) (json.RawMessage, error) {
	files, err := filteredFiles(checkoutDir, spec)
	if err != nil {
		return nil, fmt.Errorf("walk checkout: %w", err)
	}
	if len(files) == 0 {
		return json.RawMessage(`{"results":[],"errors":[]}`), nil
	}

	batches := batchByArgLen(files, maxTargetArgBytes)
	docs := make([]json.RawMessage, 0, len(batches))
	for _, batch := range batches {
		args := []string{"scan", "--json", "--quiet"}
		if spec.RulesDir != "" {
			args = append(args, "--config", spec.RulesDir)
		} else {
			args = append(args, "--config", "auto")
		}
		args = append(args, batch...)

		cmd := exec.CommandContext(ctx, "semgrep", args...)
		cmd.Dir = checkoutDir
		doc, err := runTool(cmd)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 1 {
		return docs[0], nil
	}
	return mergeFindingDocs(docs)
}

// batchByArgLen splits files into order-preserving batches whose combined
// argument length stays within budget. A single path longer than the budget
// still gets its own batch.
func batchByArgLen(files []string, budget int) [][]string {
	var batches [][]string
	var cur []string
	size := 0
	for _, f := range files {
		n := len(f) + 1
		if len(cur) > 0 && size+n > budget {
			batches = append(batches, cur)
			cur, size = nil, 0
		}
		cur = append(cur, f)
		size += n
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// mergeFindingDocs concatenates the results and errors arrays of several
// semgrep output documents into one.
func mergeFindingDocs(docs []json.RawMessage) (json.RawMessage, error) {
	type findingDoc struct {
		Results []json.RawMessage `json:"results"`
		Errors  []json.RawMessage `json:"errors"`
	}
	merged := findingDoc{Results: []json.RawMessage{}, Errors: []json.RawMessage{}}
	for _, raw := range docs {
		var d findingDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("merge scanner output: %w", err)
		}
		merged.Results = append(merged.Results, d.Results...)
		merged.Errors = append(merged.Errors, d.Errors...)
	}
	return json.Marshal(merged)
}

type trufflehogScanner struct{}

func (trufflehogScanner) Name() string           { return models.ScannerTrufflehog }
func (trufflehogScanner) NeedsFullHistory() bool { return true }

func (trufflehogScanner) Run(ctx context.Context, checkoutDir string, spec ScanSpec) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, "trufflehog", "git", "file://"+checkoutDir, "--json", "--no-update")
	out, err := runTool(cmd)
	if err != nil {
		return nil, err
	}
	// trufflehog emits one JSON object per line; wrap them into a single
	// findings document.
	findings := []json.RawMessage{}
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		findings = append(findings, json.RawMessage(line))
	}
	return json.Marshal(map[string]any{"findings": findings})
}

// depConfusionScanner checks dependency manifests for packages that could be
// hijacked on public registries.
type depConfusionScanner struct{}

func (depConfusionScanner) Name() string           { return models.ScannerDependencyConfusion }
func (depConfusionScanner) NeedsFullHistory() bool { return false }

var manifestKinds = map[string]string{
	"package.json":     "npm",
	"requirements.txt": "pip",
	"composer.json":    "composer",
}

func (depConfusionScanner) Run(ctx context.Context, checkoutDir string, spec ScanSpec) (json.RawMessage, error) {
	files, err := filteredFiles(checkoutDir, spec)
	if err != nil {
		return nil, fmt.Errorf("walk checkout: %w", err)
	}

	type manifestResult struct {
		Manifest string          `json:"manifest"`
		Kind     string          `json:"kind"`
		Findings json.RawMessage `json:"findings"`
		Error    string          `json:"error,omitempty"`
	}
	var out []manifestResult
	for _, rel := range files {
		kind, ok := manifestKinds[filepath.Base(rel)]
		if !ok {
			continue
		}
		cmd := exec.CommandContext(ctx, "confused", "-l", kind, filepath.Join(checkoutDir, rel))
		res := manifestResult{Manifest: rel, Kind: kind}
		raw, err := runTool(cmd)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Findings = raw
		}
		out = append(out, res)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return json.Marshal(map[string]any{"manifests": out})
}

// runTool executes an external scanner process. Non-zero exit with findings
// on stdout is normal for these tools, so the exit code alone does not fail
// the run; an empty stdout does.
func runTool(cmd *exec.Cmd) (json.RawMessage, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	err := cmd.Run()
	if stdout.Len() > 0 {
		return stdout.Bytes(), nil
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", cmd.Path, msg)
	}
	return json.RawMessage(`{}`), nil
}
