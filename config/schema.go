package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

const schemaSource = `
#URI: string & =~"^[A-Za-z][A-Za-z0-9+.-]*://"

#Config: {
	databases?: {
		uri?: string | [...#URI]
		named?: [string]: #URI
	}
	transfer_log?: {
		enabled?:   bool
		sink?:      string
		threshold?: int & >=0
		filter?:    string
	}
	logging?: {
		level?:  "" | "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled"
		format?: "" | "json" | "text"
		fields?: [string]: string
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
		path?:     string
	}
	server?: {
		listen?:           string
		shutdown_timeout?: string
	}
	hot_reload?: bool
}
`

// validateDocument checks a YAML document against the configuration schema.
// Unknown keys and mistyped values are rejected.
func validateDocument(name string, raw []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("config.schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file, err := cueyaml.Extract(name, raw)
	if err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("build document: %w", err)
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}
