package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aescanero/comfyrt/pkg/client"
	"gopkg.in/yaml.v3"
)

// loadWorkflow reads a prompt file in JSON or YAML. The file is either
// {output, workflow} or a bare executable graph.
func loadWorkflow(path string) (client.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Workflow{}, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return client.Workflow{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	obj, ok := doc.(map[string]any)
	if !ok || len(obj) == 0 {
		return client.Workflow{}, fmt.Errorf("%s: prompt file must contain a non-empty object", path)
	}

	var wf client.Workflow
	output, wrapped := obj["output"]
	if !wrapped {
		output = obj
	}
	if wf.Output, err = json.Marshal(output); err != nil {
		return client.Workflow{}, fmt.Errorf("failed to encode prompt: %w", err)
	}
	if workflow, ok := obj["workflow"]; ok && wrapped {
		if wf.Workflow, err = json.Marshal(workflow); err != nil {
			return client.Workflow{}, fmt.Errorf("failed to encode workflow: %w", err)
		}
	}

	return wf, nil
}
