package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveScope updates the scope section in the config file. Comments and
// formatting in other sections are preserved by editing the yaml.Node tree
// rather than re-marshaling the whole document.
func SaveScope(configPath string, s ScopeConfig) error {
	return saveSection(configPath, "scope", buildScopeNode(s))
}

// SaveTracing updates the tracing section in the config file, preserving
// the rest of the document.
func SaveTracing(configPath string, t TracingConfig) error {
	return saveSection(configPath, "tracing", buildTracingNode(t))
}

// saveSection replaces (or appends) a single top-level mapping key in the
// config file and writes the result atomically.
func saveSection(configPath, key string, value *yaml.Node) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 {
		// Empty or new file
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: key},
						value,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == key {
					root.Content[i+1] = value
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: key},
					value,
				)
			}
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename)
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".scopekit.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

func buildScopeNode(s ScopeConfig) *yaml.Node {
	return mappingNode(
		"dispose_wait_ms", scalarInt(s.DisposeWaitMS),
		"resolve_timeout_ms", scalarInt(s.ResolveTimeoutMS),
		"resolve_poll_ms", scalarInt(s.ResolvePollMS),
	)
}

func buildTracingNode(t TracingConfig) *yaml.Node {
	pairs := []any{
		"enabled", scalarBool(t.Enabled),
		"exporter", scalarStr(t.Exporter),
	}
	if t.FilePath != "" {
		pairs = append(pairs, "file_path", scalarStr(t.FilePath))
	}
	if t.OTLPEndpoint != "" {
		pairs = append(pairs, "otlp_endpoint", scalarStr(t.OTLPEndpoint))
	}
	pairs = append(pairs, "sample_rate", scalarFloat(t.SampleRate))
	return mappingNode(pairs...)
}

// mappingNode builds a yaml mapping from alternating key strings and value
// nodes.
func mappingNode(pairs ...any) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.MappingNode,
		Content: make([]*yaml.Node, 0, len(pairs)),
	}
	for i := 0; i < len(pairs)-1; i += 2 {
		key := pairs[i].(string)
		value := pairs[i+1].(*yaml.Node)
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			value,
		)
	}
	return node
}

func scalarStr(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func scalarInt(v int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%d", v)}
}

func scalarBool(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%t", v)}
}

func scalarFloat(v float64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%g", v)}
}
