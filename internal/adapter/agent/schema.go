package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
)

// compileInputSchemas compiles each tool's input schema. Tools whose schema
// does not compile are left out and their arguments go through unchecked.
func compileInputSchemas(tools []mcp.Tool, log *slog.Logger) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(tools))
	for _, t := range tools {
		raw, err := inputSchemaOf(t)
		if err != nil || len(raw) == 0 || string(raw) == "null" {
			continue
		}
		s, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			log.Warn("tool input schema does not compile", "tool", t.Name, "error", err)
			continue
		}
		out[t.Name] = s
	}
	return out
}

// inputSchemaOf returns the wire form of t's input schema, which covers both
// structured and raw schemas.
func inputSchemaOf(t mcp.Tool) (json.RawMessage, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, err
	}
	return wire.InputSchema, nil
}

func validateArguments(s *jsonschema.Schema, args map[string]any) error {
	res := s.Validate(args)
	if res.IsValid() {
		return nil
	}
	return fmt.Errorf("%s", res.Error())
}
