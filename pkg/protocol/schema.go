package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// InboundSchema is the JSON schema every client message must satisfy
const InboundSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"sessionCode": {"type": "string"},
		"requestId": {"type": "string"},
		"content": {"type": "string"},
		"data": {"type": ["object", "null"]},
		"timestamp": {"type": "number"}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "USER_MESSAGE"}}},
			"then": {
				"required": ["sessionCode", "requestId"],
				"properties": {
					"sessionCode": {"minLength": 1},
					"requestId": {"minLength": 1}
				}
			}
		},
		{
			"if": {"properties": {"type": {"const": "AGENT_TOOL_CALL_RESPONSE"}}},
			"then": {
				"required": ["sessionCode", "requestId", "data"],
				"properties": {
					"data": {
						"type": "object",
						"required": ["toolName"],
						"properties": {"toolName": {"type": "string", "minLength": 1}}
					}
				}
			}
		},
		{
			"if": {"properties": {"type": {"const": "INTERRUPT"}}},
			"then": {"required": ["sessionCode"]}
		}
	]
}`

var inboundSchema = mustSchema(InboundSchema)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid inbound schema: %v", err))
	}
	return schema
}

// Decode validates raw against InboundSchema and unmarshals it
func Decode(raw []byte) (Envelope, error) {
	result, err := inboundSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return Envelope{}, fmt.Errorf("invalid message: %s", strings.Join(problems, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	return env, nil
}
