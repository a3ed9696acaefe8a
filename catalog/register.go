package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opencall/core/pkg/dispatcher"
	"github.com/opencall/core/pkg/opregistry"
)

const listArgsSchema = `{
	"type": "object",
	"properties": {"author": {"type": "string"}},
	"additionalProperties": false
}`

const reserveArgsSchema = `{
	"type": "object",
	"properties": {"itemId": {"type": "string"}},
	"required": ["itemId"],
	"additionalProperties": false
}`

const reportArgsSchema = `{
	"type": "object",
	"properties": {"filter": {"type": "string"}},
	"additionalProperties": false
}`

func compile(name, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(raw))); err != nil {
		return nil, fmt.Errorf("catalog: add schema resource %s: %w", name, err)
	}
	return compiler.Compile(name)
}

// Register declares every catalog operation against reg. It must be
// called before reg.Freeze.
func Register(reg *opregistry.Registry, c *Catalog) error {
	listSchema, err := compile("catalog.list.args.json", listArgsSchema)
	if err != nil {
		return err
	}
	reserveSchema, err := compile("item.reserve.args.json", reserveArgsSchema)
	if err != nil {
		return err
	}
	reportSchema, err := compile("report.overdue.args.json", reportArgsSchema)
	if err != nil {
		return err
	}

	reg.Declare(opregistry.OperationRecord{
		Op:             "v1:catalog.list",
		ArgsSchema:     listSchema,
		ArgsSchemaRaw:  json.RawMessage(listArgsSchema),
		ExecutionModel: opregistry.Sync,
		RequiredScopes: []string{"catalog:read"},
		CachingPolicy:  opregistry.CacheNone,
		OutputMimeType: "application/json",
		Handler:        dispatcher.Handler(c.List),
	})

	reg.Declare(opregistry.OperationRecord{
		Op:                  "v1:item.reserve",
		ArgsSchema:          reserveSchema,
		ArgsSchemaRaw:       json.RawMessage(reserveArgsSchema),
		ExecutionModel:      opregistry.Sync,
		RequiredScopes:      []string{"catalog:write"},
		SideEffecting:       true,
		IdempotencyRequired: true,
		CachingPolicy:       opregistry.CacheNone,
		OutputMimeType:      "application/json",
		Handler:             dispatcher.Handler(c.Reserve),
	})

	reg.Declare(opregistry.OperationRecord{
		Op:             "v1:report.overdue",
		ArgsSchema:     reportSchema,
		ArgsSchemaRaw:  json.RawMessage(reportArgsSchema),
		ExecutionModel: opregistry.Async,
		RequiredScopes: []string{"catalog:read"},
		CachingPolicy:  opregistry.CacheLocation,
		TTLSeconds:     3600,
		OutputMimeType: "application/json",
		Handler:        dispatcher.Handler(c.Report),
	})

	return nil
}
