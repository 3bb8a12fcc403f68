package scaler

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Replicas reads the integer at path in obj. It fails if the field is
// missing, is not a whole number, or lies outside [0, MaxInt32].
func Replicas(obj *unstructured.Unstructured, path []string) (int64, error) {
	v, found, err := unstructured.NestedFieldNoCopy(obj.Object, path...)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", strings.Join(path, "."), err)
	}
	if !found {
		return 0, fmt.Errorf("field %s not found", strings.Join(path, "."))
	}

	field := strings.Join(path, ".")
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int32:
		n = int64(x)
	case int:
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("field %s is not an integer: %v", field, x)
		}
		if x < 0 || x > math.MaxInt32 {
			return 0, fmt.Errorf("field %s is out of range: %v", field, x)
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %s is not an integer: %w", field, err)
		}
		n = i
	default:
		return 0, fmt.Errorf("field %s has type %T, want integer", field, v)
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("field %s is out of range: %d", field, n)
	}
	return n, nil
}

// ReplicasPatch returns a JSON merge patch setting path to replicas. When
// resourceVersion is set it is included so the write fails with a conflict
// if the object changed since it was read.
func ReplicasPatch(path []string, replicas int64, resourceVersion string) ([]byte, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty replicas path")
	}
	patch := map[string]any{}
	if err := unstructured.SetNestedField(patch, replicas, path...); err != nil {
		return nil, fmt.Errorf("building patch for %s: %w", strings.Join(path, "."), err)
	}
	if resourceVersion != "" {
		if err := unstructured.SetNestedField(patch, resourceVersion, "metadata", "resourceVersion"); err != nil {
			return nil, fmt.Errorf("adding resourceVersion to patch: %w", err)
		}
	}
	return json.Marshal(patch)
}
