package harness

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// FindScenarios returns the YAML scenario files under dir, in lexical
// order. A non-empty filter is a glob matched against the file name
// without its extension.
func FindScenarios(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			if matched, _ := filepath.Match(filter, name); !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// SuiteResult summarises a run of several scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure is one scenario that did not pass.
type SuiteFailure struct {
	Path   string   `json:"path"`
	Name   string   `json:"name,omitempty"`
	Errors []string `json:"errors"`
}

// RunSuite loads and runs every scenario under dir. Load and execution
// errors count as failures; they do not stop the suite.
func RunSuite(ctx context.Context, dir, filter string) (*SuiteResult, error) {
	paths, err := FindScenarios(dir, filter)
	if err != nil {
		return nil, err
	}

	res := &SuiteResult{}
	for _, path := range paths {
		res.Total++
		scenario, err := LoadScenario(path)
		if err != nil {
			res.fail(path, "", fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		run, err := Run(ctx, scenario)
		if err != nil {
			res.fail(path, scenario.Name, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !run.Pass {
			res.fail(path, scenario.Name, run.Errors...)
			continue
		}
		res.Passed++
	}
	return res, nil
}

func (r *SuiteResult) fail(path, name string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, SuiteFailure{Path: path, Name: name, Errors: errs})
}
