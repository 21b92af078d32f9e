package motion

import (
	"fmt"
	"reflect"
	"time"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
)

// JSONSchema describes the sequence file format for editors that validate
// YAML against a JSON schema.
func JSONSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		Mapper:                     mapType,
	}
	schema := r.Reflect(&Sequence{})
	schema.Title = "rigtrace motion sequence"
	schema.Description = "Setup steps, a body repeated 'repeat' times, finish steps and teardown steps that always run."
	return schema
}

// MarshalSchema encodes JSONSchema as indented JSON.
func MarshalSchema() ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(JSONSchema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sequence schema: %w", err)
	}
	return data, nil
}

func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(time.Duration(0)):
		return &jsonschema.Schema{
			Type:    "string",
			Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		}
	case reflect.TypeOf(Kind("")):
		return &jsonschema.Schema{Type: "string", Enum: []any{string(KindExecute), string(KindMove), string(KindPause)}}
	case reflect.TypeOf(OnError("")):
		return &jsonschema.Schema{Type: "string", Enum: []any{string(OnErrorAbort), string(OnErrorSkip)}}
	}
	return nil
}
