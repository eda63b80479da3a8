package config

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateConfigMap validates the generic decoded config with a JSON Schema.
// Structural errors (wrong types, missing required keys) surface here before
// the typed resolution runs.
func validateConfigMap(m map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://config.json", strings.NewReader(configSchema)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://config.json")
	if err != nil {
		return err
	}
	return sch.Validate(m)
}

const configSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["agents"],
  "properties":{
    "orchestrator":{
      "type":"object",
      "properties":{
        "http_addr":{"type":"string"},
        "state_dir":{"type":"string"},
        "min_agent_version":{"type":"string"}
      }
    },
    "agents":{
      "type":"array",
      "minItems":1,
      "items":{
        "type":"object",
        "required":["name","command"],
        "properties":{
          "name":{"type":"string"},
          "command":{"type":"string"},
          "args":{"type":"array","items":{"type":"string"}},
          "dir":{"type":"string"},
          "base_url":{"type":"string"},
          "port":{"type":"integer"},
          "health_path":{"type":"string"},
          "request_timeout":{"type":"string"},
          "health_interval":{"type":"string"},
          "max_retries":{"type":"integer"},
          "version":{"type":"string"},
          "enabled":{"type":"boolean"}
        }
      }
    },
    "dependencies":{
      "type":"array",
      "items":{
        "type":"object",
        "required":["agent"],
        "properties":{
          "agent":{"type":"string"},
          "depends_on":{"type":"array","items":{"type":"string"}},
          "required":{"type":"boolean"},
          "priority":{"type":"integer"},
          "startup_timeout":{"type":"string"},
          "restart_policy":{"type":"string","enum":["immediate","delayed","backoff","manual"]},
          "max_restart_attempts":{"type":"integer"},
          "restart_delay":{"type":"string"}
        }
      }
    },
    "thresholds":{
      "type":"object",
      "additionalProperties":{
        "type":"object",
        "required":["warning","critical","emergency"],
        "properties":{
          "warning":{"type":"number"},
          "critical":{"type":"number"},
          "emergency":{"type":"number"},
          "check_interval":{"type":"string"},
          "action":{"type":"string","enum":["throttle","restart","alert_only"]}
        }
      }
    },
    "monitor":{
      "type":"object",
      "properties":{
        "interval":{"type":"string"},
        "history_size":{"type":"integer"},
        "alert_retention":{"type":"string"}
      }
    },
    "notify":{
      "type":"object",
      "properties":{
        "nats_url":{"type":"string"},
        "nats_subject":{"type":"string"},
        "webhook_url":{"type":"string"}
      }
    }
  }
}`
