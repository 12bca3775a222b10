package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"
)

// Format is a plan document encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// FormatFromPath picks a format from the file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".hcl":
		return FormatHCL, nil
	}
	return "", fmt.Errorf("unsupported plan file extension %q (want .yaml, .yml, .json or .hcl)", filepath.Ext(path))
}

// LoadFile reads a plan document from disk
func LoadFile(path string) (*Plan, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plan %s", path)
	}
	p, err := Parse(data, format, filepath.Base(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse plan %s", path)
	}
	return p, nil
}

// Parse decodes a plan document. name is used in HCL diagnostics.
func Parse(data []byte, format Format, name string) (*Plan, error) {
	switch format {
	case FormatYAML:
		var p Plan
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case FormatJSON:
		var p Plan
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case FormatHCL:
		return parseHCL(data, name)
	}
	return nil, fmt.Errorf("unknown plan format %q", format)
}

// hclPlanFile is the top-level structure of an HCL plan:
//
//	id    = "release"
//	entry = "analyze"
//
//	task "analyze" {
//	  type    = "analysis"
//	  payload = { message = "plan the release" }
//	  next    = ["generate"]
//	}
type hclPlanFile struct {
	ID    string     `hcl:"id,optional"`
	Entry string     `hcl:"entry,optional"`
	Tasks []*hclTask `hcl:"task,block"`
}

type hclTask struct {
	ID      string    `hcl:"id,label"`
	Type    string    `hcl:"type"`
	Payload cty.Value `hcl:"payload,optional"`
	Next    []string  `hcl:"next,optional"`
}

func parseHCL(data []byte, name string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, diags
	}

	var doc hclPlanFile
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, diags
	}

	p := &Plan{ID: doc.ID, Entry: doc.Entry, Tasks: make([]Task, 0, len(doc.Tasks))}
	for _, t := range doc.Tasks {
		payload, err := ctyToMap(t.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s payload", t.ID)
		}
		p.Tasks = append(p.Tasks, Task{ID: t.ID, Type: t.Type, Payload: payload, Next: t.Next})
	}
	return p, nil
}

// ctyToMap converts an object or map value into plain Go data via its JSON
// form.
func ctyToMap(v cty.Value) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, errors.New("payload contains unknown values")
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("payload must be an object, got %s", ty.FriendlyName())
	}

	raw, err := ctyjson.Marshal(v, ty)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
