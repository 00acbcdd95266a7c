package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRegion is where workspace machines land unless the deployment
// overrides it.
const DefaultRegion = "iad"

// DefaultMachineDoc builds the built-in create document: a small shared
// machine that destroys itself when the provider reclaims it, serving
// HTTP from internal port 8080 behind external port 80.
func DefaultMachineDoc(image, region string) map[string]any {
	if region == "" {
		region = DefaultRegion
	}
	return map[string]any{
		"region": region,
		"config": map[string]any{
			"image": image,
			"guest": map[string]any{
				"cpu_kind":  "shared",
				"cpus":      1,
				"memory_mb": 512,
			},
			"auto_destroy": true,
			"restart": map[string]any{
				"policy": "no",
			},
			"services": []any{
				map[string]any{
					"protocol":      "tcp",
					"internal_port": InternalPort,
					"ports": []any{
						map[string]any{
							"port":     80,
							"handlers": []any{"http"},
						},
					},
				},
			},
			"env": map[string]any{},
		},
	}
}

// EnvOverride is the per-workspace create override. USERNAME and
// REPO_NAME are the machine boot contract: the image clones
// github.com/<USERNAME>/<REPO_NAME> and serves the workspace UI.
func EnvOverride(user, repo string) map[string]any {
	return map[string]any{
		"config": map[string]any{
			"env": map[string]any{
				"USERNAME":  user,
				"REPO_NAME": repo,
			},
		},
	}
}

// DeepMerge merges override onto base: the result has the union of
// keys; when both sides hold an object the merge recurses; otherwise
// the override wins. Arrays and scalars are replaced wholesale. Neither
// input is mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range override {
		bv, exists := out[k]
		bm, baseIsMap := bv.(map[string]any)
		om, overrideIsMap := v.(map[string]any)
		if exists && baseIsMap && overrideIsMap {
			out[k] = DeepMerge(bm, om)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return DeepMerge(tv, nil)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// LoadTemplate reads a YAML machine template to merge over the built-in
// create defaults. The file holds the same document shape as the create
// request ({region, config: {...}}).
func LoadTemplate(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine template: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("machine template %s: %w", path, err)
	}
	return doc, nil
}

// docImage digs config.image out of a create document.
func docImage(doc map[string]any) string {
	cfg, ok := doc["config"].(map[string]any)
	if !ok {
		return ""
	}
	img, _ := cfg["image"].(string)
	return img
}
