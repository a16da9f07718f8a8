package tools

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"coe/pkg/rpc"
)

// Parameter schemas, one per method.
const (
	getNextTaskSchema = `{
  "type": "object",
  "properties": {
    "filter": {
      "type": "object",
      "properties": {
        "priority": {"type": "integer", "minimum": 1, "maximum": 3},
        "type": {"type": "string", "enum": ["ai_to_human", "human_to_ai", "answer_agent", "unset"]}
      },
      "additionalProperties": false
    },
    "includeContext": {"type": "boolean"}
  }
}`

	reportTaskDoneSchema = `{
  "type": "object",
  "required": ["ticketId", "status"],
  "properties": {
    "ticketId": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["done", "blocked", "failed"]},
    "summary": {"type": "string"},
    "failedCriteria": {"type": "array", "items": {"type": "string"}},
    "failedTests": {"type": "array", "items": {"type": "string"}}
  }
}`

	askQuestionSchema = `{
  "type": "object",
  "required": ["question"],
  "properties": {
    "question": {"type": "string", "minLength": 1},
    "chatId": {"type": "string"}
  }
}`

	getErrorsSchema = `{
  "type": "object",
  "properties": {
    "filePattern": {"type": "string"}
  }
}`

	callCOEAgentSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {"type": "string", "enum": ["plan", "verify", "ask"]},
    "args": {"type": ["string", "object"]}
  }
}`

	getModeSchema = `{"type": "object"}`

	setModeSchema = `{
  "type": "object",
  "required": ["mode"],
  "properties": {
    "mode": {"type": "string", "enum": ["auto", "manual"]}
  }
}`
)

// schema is a compiled parameter schema.
type schema struct {
	s *gojsonschema.Schema
}

func mustSchema(src string) schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("tools: bad schema: " + err.Error())
	}
	return schema{s: s}
}

// decode validates params against the schema and unmarshals them into dst.
// Absent or null params are treated as an empty object.
func (sc schema) decode(params json.RawMessage, dst any) error {
	raw := params
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	res, err := sc.s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return rpc.InvalidParams("%v", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return rpc.InvalidParams("%s", strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return rpc.InvalidParams("%v", err)
	}
	return nil
}
