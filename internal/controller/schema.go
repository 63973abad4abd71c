package controller

import "github.com/santhosh-tekuri/jsonschema/v5"

// jobSchema is the submission contract: every message published on the
// submit channel must validate against it before it is enqueued. Defaults
// (id, priority, metadata) are filled after validation.
const jobSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "additionalProperties": false,
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "maxLength": 256
    },
    "url": {
      "type": "string",
      "pattern": "^https?://.+"
    },
    "parser": {
      "type": "string",
      "minLength": 1
    },
    "priority": {
      "type": "integer",
      "minimum": 0
    },
    "metadata": {
      "type": "object"
    },
    "http": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "method": {
          "type": "string",
          "enum": ["GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS",
                   "get", "post", "put", "delete", "patch", "head", "options"]
        },
        "headers": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "body": {
          "type": ["string", "object"]
        }
      }
    }
  }
}`

// compileJobSchema builds the validator once at controller construction.
func compileJobSchema() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("job.schema.json", jobSchema)
}
