package engine

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// InferSchema derives a Schema from a resource payload. CSV payloads
// contribute one text column per header field; JSON arrays of objects
// contribute one column per key of the first element, typed from its
// value. Text and binary payloads have no columns.
func InferSchema(res resource.Resource) (Schema, error) {
	schema := Schema{
		Name: res.Name,
		Kind: res.Kind,
		Size: int64(len(res.Payload)),
	}

	switch res.Kind {
	case resource.KindCSV:
		cols, err := csvColumns(res.Payload)
		if err != nil {
			return Schema{}, fmt.Errorf("describe %q: %w", res.Name, err)
		}
		schema.Columns = cols

	case resource.KindJSON:
		cols, err := jsonColumns(res.Payload)
		if err != nil {
			return Schema{}, fmt.Errorf("describe %q: %w", res.Name, err)
		}
		schema.Columns = cols
	}

	return schema, nil
}

func csvColumns(payload []byte) ([]Column, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make([]Column, 0, len(header))
	for _, name := range header {
		cols = append(cols, Column{Name: name, Type: "text"})
	}
	return cols, nil
}

func jsonColumns(payload []byte) ([]Column, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		arr, isArr := doc.([]any)
		if !isArr || len(arr) == 0 {
			return nil, nil
		}
		obj, ok = arr[0].(map[string]any)
		if !ok {
			return nil, nil
		}
	}

	cols := make([]Column, 0, len(obj))
	for key, val := range obj {
		cols = append(cols, Column{Name: key, Type: jsonType(val)})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols, nil
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	case []any:
		return "array"
	default:
		return "object"
	}
}
