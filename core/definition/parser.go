package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"workflow-orchestrator/core/models"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a workflow definition file
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// imageLoaderTypes are node classes whose "image" input names a file in the remote input dir
var imageLoaderTypes = map[string]bool{
	"LoadImage":     true,
	"LoadImageMask": true,
}

// Node is one node of an API-format graph
type Node struct {
	ID        string
	ClassType string
	Title     string
	raw       map[string]interface{}
}

// Inputs returns the node's input map (never nil)
func (n *Node) Inputs() map[string]interface{} {
	if inputs, ok := n.raw["inputs"].(map[string]interface{}); ok {
		return inputs
	}
	return map[string]interface{}{}
}

// Definition is a parsed node graph ready to be submitted
type Definition struct {
	nodes map[string]*Node
	order []string
}

// ParseFile reads and parses a definition; the format follows the file extension
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Validationf("failed to read workflow file %s: %v", path, err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Parse(data, format)
}

// Parse decodes an API-format graph: a map of node id to {class_type, inputs}
func Parse(data []byte, format Format) (*Definition, error) {
	var doc map[string]interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, models.Validationf("failed to parse YAML: %v", err)
		}
	default:
		if err := sonic.ConfigStd.Unmarshal(data, &doc); err != nil {
			return nil, models.Validationf("failed to parse JSON: %v", err)
		}
	}
	if len(doc) == 0 {
		return nil, models.Validationf("workflow has no nodes")
	}

	// UI exports carry a node list plus links instead of the id-keyed API graph
	if _, hasNodes := doc["nodes"].([]interface{}); hasNodes {
		if _, hasLinks := doc["links"]; hasLinks {
			return nil, models.Validationf("workflow is in UI format; export it in API format")
		}
	}

	def := &Definition{nodes: make(map[string]*Node, len(doc))}
	for id, v := range doc {
		raw, ok := v.(map[string]interface{})
		if !ok {
			return nil, models.Validationf("node %s is not an object", id)
		}
		classType, _ := raw["class_type"].(string)
		if classType == "" {
			return nil, models.Validationf("node %s has no class_type", id)
		}
		node := &Node{ID: id, ClassType: classType, raw: raw}
		if meta, ok := raw["_meta"].(map[string]interface{}); ok {
			node.Title, _ = meta["title"].(string)
		}
		def.nodes[id] = node
		def.order = append(def.order, id)
	}
	sort.Slice(def.order, func(i, j int) bool {
		return lessNodeID(def.order[i], def.order[j])
	})
	return def, nil
}

// lessNodeID orders numeric ids numerically and everything else lexically
func lessNodeID(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}

// Len returns the number of nodes
func (d *Definition) Len() int {
	return len(d.order)
}

// Node returns a node by id
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// NodeStates returns the initial node list in graph order
func (d *Definition) NodeStates() []models.NodeState {
	states := make([]models.NodeState, 0, len(d.order))
	for _, id := range d.order {
		states = append(states, models.NodeState{
			NodeID:   id,
			NodeType: d.nodes[id].ClassType,
			Status:   models.NodeStatusPending,
		})
	}
	return states
}

// ImageReferences returns the image names referenced by image loader nodes
func (d *Definition) ImageReferences() []string {
	var refs []string
	for _, id := range d.order {
		node := d.nodes[id]
		if !imageLoaderTypes[node.ClassType] {
			continue
		}
		if name, ok := node.Inputs()["image"].(string); ok && name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}

// RewriteImages replaces image loader inputs using the given old->new name map
func (d *Definition) RewriteImages(names map[string]string) int {
	rewritten := 0
	for _, id := range d.order {
		node := d.nodes[id]
		if !imageLoaderTypes[node.ClassType] {
			continue
		}
		inputs, ok := node.raw["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := inputs["image"].(string)
		if replacement, ok := names[name]; ok {
			inputs["image"] = replacement
			rewritten++
		}
	}
	return rewritten
}

// MarshalPrompt encodes the graph as the JSON prompt body
func (d *Definition) MarshalPrompt() ([]byte, error) {
	graph := make(map[string]interface{}, len(d.nodes))
	for id, node := range d.nodes {
		graph[id] = node.raw
	}
	data, err := sonic.ConfigStd.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	return data, nil
}

// ValidateInputs checks that every input artifact exists and is a regular file
func ValidateInputs(paths []string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return models.Validationf("input image %s: %v", p, err)
		}
		if !info.Mode().IsRegular() {
			return models.Validationf("input image %s is not a regular file", p)
		}
	}
	return nil
}
