package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the generated JSON Schema for the Config struct,
// suitable for editor completion and CI validation.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag: "yaml",
		}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

var (
	rawSchemaOnce sync.Once
	rawSchema     *schemavalidate.Schema
	rawSchemaErr  error
)

// ValidateRaw type-checks a merged raw config before it is decoded.
// It catches shape errors (a string where a section belongs, a bool
// port) with friendlier messages than the YAML decoder produces.
// Nothing is required; an empty map is a valid config.
func ValidateRaw(raw map[string]any) error {
	rawSchemaOnce.Do(func() {
		rawSchema, rawSchemaErr = schemavalidate.CompileString("config", rawConfigSchema)
	})
	if rawSchemaErr != nil {
		return fmt.Errorf("failed to compile config schema: %w", rawSchemaErr)
	}

	// The validator expects json.Unmarshal value types, so round-trip
	// the YAML-derived map through JSON first.
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("failed to serialize config for validation: %w", err)
	}
	if err := rawSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

const rawConfigSchema = `{
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "host": { "type": "string" },
        "port": { "type": "integer", "minimum": 1, "maximum": 65535 },
        "jwt_secret": { "type": "string" },
        "cors_origins": { "type": "array", "items": { "type": "string" } },
        "database": {
          "type": "object",
          "properties": {
            "driver": { "enum": ["postgres", "sqlite"] },
            "dsn": { "type": "string" },
            "max_open_conns": { "type": "integer", "minimum": 1 },
            "max_idle_conns": { "type": "integer", "minimum": 0 },
            "conn_max_lifetime": { "type": ["string", "integer"] }
          }
        }
      }
    },
    "sandbox": {
      "type": "object",
      "properties": {
        "host": { "type": "string" },
        "port": { "type": "integer", "minimum": 1, "maximum": 65535 },
        "auth_token": { "type": "string" },
        "endpoints": { "type": "array", "items": { "type": "string" } },
        "pool": {
          "type": "object",
          "properties": {
            "size": { "type": "integer", "minimum": 0 },
            "acquire_timeout": { "type": ["string", "integer"] },
            "idle_timeout": { "type": ["string", "integer"] },
            "evict_interval": { "type": ["string", "integer"] }
          }
        },
        "vm": {
          "type": "object",
          "properties": {
            "kernel_path": { "type": "string" },
            "rootfs_path": { "type": "string" },
            "firecracker_bin": { "type": "string" },
            "work_dir": { "type": "string" },
            "vcpu_count": { "type": "integer", "minimum": 1 },
            "mem_size_mib": { "type": "integer", "minimum": 128 },
            "boot_args": { "type": "string" }
          }
        },
        "limits": {
          "type": "object",
          "properties": {
            "max_code_bytes": { "type": "integer", "minimum": 1 },
            "max_timeout": { "type": ["string", "integer"] },
            "max_sessions_per_pod": { "type": "integer", "minimum": 1 }
          }
        }
      }
    },
    "memory": {
      "type": "object",
      "properties": {
        "redis_url": { "type": "string" },
        "key_prefix": { "type": "string" },
        "hot_ttl": { "type": ["string", "integer"] },
        "hot_limit": { "type": "integer", "minimum": 1 },
        "postgres_dsn": { "type": "string" },
        "checkpoint_threshold": { "type": "integer", "minimum": 0 },
        "archive_after": { "type": ["string", "integer"] },
        "maintenance_schedule": { "type": "string" }
      }
    },
    "providers": {
      "type": "object",
      "properties": {
        "default": { "enum": ["openai", "anthropic", "bedrock", "google"] },
        "openai": { "$ref": "#/$defs/provider" },
        "anthropic": { "$ref": "#/$defs/provider" },
        "google": { "$ref": "#/$defs/provider" },
        "bedrock": {
          "type": "object",
          "properties": {
            "region": { "type": "string" },
            "access_key_id": { "type": "string" },
            "secret_access_key": { "type": "string" },
            "session_token": { "type": "string" },
            "model": { "type": "string" },
            "max_tokens": { "type": "integer", "minimum": 1 }
          }
        }
      }
    },
    "agent": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "system_prompt": { "type": "string" },
        "max_iterations": { "type": "integer", "minimum": 1 },
        "tool_timeout": { "type": ["string", "integer"] },
        "hitl_timeout": { "type": ["string", "integer"] },
        "tools_requiring_approval": { "type": "array", "items": { "type": "string" } }
      }
    },
    "guardrails": {
      "type": "object",
      "properties": {
        "blocked_keywords": { "type": "array", "items": { "type": "string" } },
        "blocked_tools": { "type": "array", "items": { "type": "string" } },
        "max_input_tokens": { "type": "integer", "minimum": 0 }
      }
    },
    "artifacts": {
      "type": "object",
      "properties": {
        "backend": { "enum": ["local", "s3"] },
        "dir": { "type": "string" },
        "s3_bucket": { "type": "string" },
        "s3_region": { "type": "string" },
        "s3_endpoint": { "type": "string" },
        "s3_prefix": { "type": "string" }
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": { "enum": ["debug", "info", "warn", "error"] },
        "format": { "enum": ["json", "text"] }
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "endpoint": { "type": "string" },
        "sampling_rate": { "type": "number", "minimum": 0, "maximum": 1 },
        "environment": { "type": "string" },
        "insecure": { "type": "boolean" }
      }
    }
  },
  "$defs": {
    "provider": {
      "type": "object",
      "properties": {
        "api_key": { "type": "string" },
        "base_url": { "type": "string" },
        "model": { "type": "string" },
        "max_tokens": { "type": "integer", "minimum": 1 }
      }
    }
  }
}`
