package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// deepMerge merges child over base by section semantics: scalars replace,
// objects merge recursively, arrays replace wholesale. Neither input is
// mutated.
func deepMerge(base, child map[string]interface{}) map[string]interface{} {
	if base == nil && child == nil {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(child))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range child {
		childMap, childIsMap := asMap(v)
		baseMap, baseIsMap := asMap(out[k])
		if childIsMap && baseIsMap {
			out[k] = deepMerge(baseMap, childMap)
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case models.JSONMap:
		return m, true
	}
	return nil, false
}

// mergeSections folds one level's sections into the accumulated view. The
// accumulator maps section name to merged document.
func mergeSections(acc map[string]interface{}, sections []models.Section) map[string]interface{} {
	if acc == nil {
		acc = make(map[string]interface{})
	}
	for _, section := range sections {
		if len(section.Data) == 0 {
			continue
		}
		existing, _ := asMap(acc[section.Name])
		acc[section.Name] = deepMerge(existing, section.Data)
	}
	return acc
}

// chainHash computes the dependencies hash: sha256 over the ordered
// level:id:version triples of the traversed chain, hex encoded.
func chainHash(chain models.ChainList) string {
	h := sha256.New()
	for _, entry := range chain {
		fmt.Fprintf(h, "%s:%s:%d\n", entry.Level, entry.ID, entry.Version)
	}
	return hex.EncodeToString(h.Sum(nil))
}
