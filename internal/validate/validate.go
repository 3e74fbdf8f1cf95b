// Package validate checks decoded stack documents against JSON schemas.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates obj with the given schema. obj is normalized
// through encoding/json first, so TOML-decoded maps validate like JSON.
func ValidateJSON(obj any, schemaSrc string) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", strings.NewReader(schemaSrc)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return err
	}
	doc, err := normalize(obj)
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}

// ValidateStackMap validates a generic stack document.
func ValidateStackMap(m map[string]any) error {
	return ValidateJSON(m, stackSchema)
}

func normalize(obj any) (any, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// Required values are checked by the config loader so that a missing region
// or version is reported as a configuration error naming the field.
const stackSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "additionalProperties":false,
  "$defs":{
    "port":{"type":"integer","minimum":0,"maximum":65535}
  },
  "properties":{
    "stack":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "name":{"type":"string","pattern":"^[a-z0-9][a-z0-9_.-]*$"},
        "network":{"type":"string"},
        "state_dir":{"type":"string"},
        "parallelism":{"type":"integer","minimum":0}
      }
    },
    "airflow":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "version":{"type":"string"},
        "image":{"type":"string"},
        "host_dir":{"type":"string"},
        "secret_key":{"type":"string"},
        "uid":{"type":"integer","minimum":0},
        "webserver_port":{"$ref":"#/$defs/port"},
        "flower_port":{"$ref":"#/$defs/port"}
      }
    },
    "database":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "image":{"type":"string"},
        "container":{"type":"string"},
        "volume":{"type":"string"},
        "user":{"type":"string"},
        "password":{"type":"string"},
        "name":{"type":"string"},
        "port":{"$ref":"#/$defs/port"}
      }
    },
    "cache":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "image":{"type":"string"},
        "container":{"type":"string"},
        "port":{"$ref":"#/$defs/port"}
      }
    },
    "admin":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "create":{"type":"boolean"},
        "username":{"type":"string"},
        "password":{"type":"string"}
      }
    },
    "aws":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "region":{"type":"string"},
        "bucket":{"type":"string"},
        "access_key_id":{"type":"string"},
        "secret_access_key":{"type":"string"},
        "credentials_file":{"type":"string"}
      }
    },
    "outputs":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "file":{"type":"string"},
        "nats_url":{"type":"string"},
        "nats_subject":{"type":"string"},
        "mqtt_broker":{"type":"string"},
        "mqtt_topic":{"type":"string"}
      }
    },
    "runtime":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "docker_host":{"type":"string"},
        "platform":{"type":"string","pattern":"^$|^[a-z0-9]+/[a-z0-9_]+$"},
        "listen_addr":{"type":"string"},
        "offline":{"type":"boolean"},
        "skip_preflight":{"type":"boolean"}
      }
    }
  }
}`
