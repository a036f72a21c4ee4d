package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wolfgangB33r/otel-demo-service/internal/scenario"
)

// expandTargets replaces directories with the definition files inside them.
func expandTargets(targets []string) ([]string, error) {
	var paths []string
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, target)
			continue
		}
		entries, err := os.ReadDir(target)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && scenario.IsDefinitionFile(e.Name()) {
				found = append(found, filepath.Join(target, e.Name()))
			}
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	return paths, nil
}

// validate compiles every target and prints a one-line summary per scenario.
// All failures are reported, not just the first.
func validate(w io.Writer, targets []string) error {
	paths, err := expandTargets(targets)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no scenario definitions found in %s", strings.Join(targets, ", "))
	}

	var errs []error
	for _, path := range paths {
		graph, err := scenario.LoadGraph(path)
		if err != nil {
			fmt.Fprintf(w, "%-20s INVALID: %v\n", scenario.NameFromPath(path), err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		services := make(map[string]bool)
		for _, n := range graph.Nodes {
			services[n.Service] = true
		}
		fmt.Fprintf(w, "%-20s ok: %d nodes, %d services, root %s, patterns: %s\n",
			graph.Name, len(graph.Nodes), len(services), graph.Root.Name,
			strings.Join(graph.PatternNames(), ", "))
	}
	return errors.Join(errs...)
}
