// Command schemagen validates connector descriptor files and emits a
// combined node catalog. It is run in CI against the descriptor directory:
// exit code 0 means every descriptor parses and every operation parameter
// schema compiles, 1 means at least one failed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/appscript-studio/engine/internal/registry"
)

func main() {
	dir := flag.String("dir", "connectors", "directory of connector descriptor JSON files")
	out := flag.String("out", "", "write combined node catalog JSON here (default stdout)")
	flag.Parse()

	descriptors, failures := load(*dir)
	for _, f := range failures {
		fmt.Fprintln(os.Stderr, "schemagen:", f)
	}

	if len(descriptors) > 0 {
		if err := emit(descriptors, *out); err != nil {
			fmt.Fprintln(os.Stderr, "schemagen:", err)
			os.Exit(1)
		}
	}
	if len(failures) > 0 {
		os.Exit(1)
	}
}

func load(dir string) ([]registry.Descriptor, []string) {
	var descriptors []registry.Descriptor
	var failures []string

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []string{err.Error()}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		d, errs := check(path)
		if len(errs) > 0 {
			failures = append(failures, errs...)
			continue
		}
		descriptors = append(descriptors, *d)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Slug < descriptors[j].Slug })
	return descriptors, failures
}

// check parses one descriptor file and compiles each operation schema.
func check(path string) (*registry.Descriptor, []string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", path, err)}
	}
	var d registry.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, []string{fmt.Sprintf("%s: invalid JSON: %v", path, err)}
	}

	var errs []string
	if d.Slug == "" {
		errs = append(errs, fmt.Sprintf("%s: missing slug", path))
	}
	if !registry.ValidStage(d.Stage) {
		errs = append(errs, fmt.Sprintf("%s: unknown lifecycle stage %q", path, d.Stage))
	}
	seen := map[string]bool{}
	for _, op := range d.Operations {
		if seen[op.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate operation %q", path, op.ID))
		}
		seen[op.ID] = true
		if op.Kind != "action" && op.Kind != "trigger" {
			errs = append(errs, fmt.Sprintf("%s: operation %q has kind %q", path, op.ID, op.Kind))
		}
		if len(op.Params) == 0 {
			continue
		}
		if err := compile(d.Slug, op.ID, op.Params); err != nil {
			errs = append(errs, fmt.Sprintf("%s: operation %q: %v", path, op.ID, err))
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &d, nil
}

func compile(slug, opID string, raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	name := fmt.Sprintf("connector/%s/%s.json", slug, opID)
	if err := c.AddResource(name, doc); err != nil {
		return err
	}
	_, err = c.Compile(name)
	return err
}

// emit writes the node catalog: every operation of every valid descriptor,
// flattened for the workflow editor.
func emit(descriptors []registry.Descriptor, out string) error {
	type node struct {
		Type        string `json:"type"`
		Connector   string `json:"connector"`
		Operation   string `json:"operation"`
		Kind        string `json:"kind"`
		DisplayName string `json:"displayName,omitempty"`
		Stage       string `json:"lifecycleStage"`
	}
	var nodes []node
	for _, d := range descriptors {
		for _, op := range d.Operations {
			nodes = append(nodes, node{
				Type:        fmt.Sprintf("%s.%s.%s", op.Kind, d.Slug, op.ID),
				Connector:   d.Slug,
				Operation:   op.ID,
				Kind:        op.Kind,
				DisplayName: op.DisplayName,
				Stage:       string(d.Stage),
			})
		}
	}

	w := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"nodes": nodes})
}
