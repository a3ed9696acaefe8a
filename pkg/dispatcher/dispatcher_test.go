package dispatcher_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/opencall/core/pkg/apierr"
	"github.com/opencall/core/pkg/callenvelope"
	"github.com/opencall/core/pkg/dispatcher"
	"github.com/opencall/core/pkg/instancestore"
	"github.com/opencall/core/pkg/lifecycle"
	"github.com/opencall/core/pkg/opregistry"
	"github.com/opencall/core/pkg/tokenstore"
)

const argsSchemaJSON = `{
	"type": "object",
	"properties": {"title": {"type": "string"}},
	"required": ["title"],
	"additionalProperties": false
}`

func compileSchema(t *testing.T, raw string) *jsonschema.Schema {
	t.Helper()
	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource("schema.json", bytes.NewReader([]byte(raw))))
	schema, err := compiler.Compile("schema.json")
	require.NoError(t, err)
	return schema
}

func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, tokenstore.Store) {
	t.Helper()

	registry := opregistry.New()
	registry.Declare(opregistry.OperationRecord{
		Op:             "v1:item.echo",
		ArgsSchema:     compileSchema(t, argsSchemaJSON),
		ArgsSchemaRaw:  json.RawMessage(argsSchemaJSON),
		ExecutionModel: opregistry.Sync,
		RequiredScopes: []string{"item:read"},
		Handler: dispatcher.Handler(func(ctx context.Context, dctx dispatcher.DerivedContext, args json.RawMessage, handle dispatcher.PersistenceHandle) (dispatcher.HandlerOutcome, *dispatcher.DomainError, error) {
			var parsed struct {
				Title string `json:"title"`
			}
			_ = json.Unmarshal(args, &parsed)
			return dispatcher.Complete(map[string]string{"echoed": parsed.Title}), nil, nil
		}),
	})
	registry.Declare(opregistry.OperationRecord{
		Op:             "v1:item.removed",
		ExecutionModel: opregistry.Sync,
		Sunset:         "2000-01-01",
		Replacement:    "v2:item.removed",
		Handler: dispatcher.Handler(func(ctx context.Context, dctx dispatcher.DerivedContext, args json.RawMessage, handle dispatcher.PersistenceHandle) (dispatcher.HandlerOutcome, *dispatcher.DomainError, error) {
			return dispatcher.Complete(nil), nil, nil
		}),
	})
	require.NoError(t, registry.Freeze("2026-01-01"))

	tokens := tokenstore.NewInMemoryStore()
	require.NoError(t, tokens.Create(context.Background(), "good-token", tokenstore.Token{
		Class:     tokenstore.ClassHumanIssued,
		Principal: "user-1",
		Scopes:    []string{"item:read"},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, tokens.Create(context.Background(), "no-scope-token", tokenstore.Token{
		Class:     tokenstore.ClassHumanIssued,
		Principal: "user-2",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	lc := lifecycle.New(instancestore.NewInMemoryStore())
	d := dispatcher.New(registry, tokens, lc, nil, nil)
	return d, tokens
}

func TestDispatch_HappyPath(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"v1:item.echo","args":{"title":"hello"}}`)
	out := d.Dispatch(context.Background(), body, "Bearer good-token")

	require.Equal(t, 200, out.Status)
	require.Equal(t, callenvelope.StateComplete, out.Body.State)
	require.NotNil(t, out.Context)
	require.Equal(t, "user-1", out.Context.Principal)
}

func TestDispatch_MissingAuth(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"v1:item.echo","args":{"title":"hello"}}`)
	out := d.Dispatch(context.Background(), body, "")

	require.Equal(t, 401, out.Status)
	require.Equal(t, string(apierr.AuthRequired), out.Body.Error.Code)
}

func TestDispatch_UnknownOpAfterAuth(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"v1:item.nope","args":{}}`)
	out := d.Dispatch(context.Background(), body, "Bearer good-token")

	require.Equal(t, 400, out.Status)
	require.Equal(t, string(apierr.UnknownOperation), out.Body.Error.Code)
}

func TestDispatch_InsufficientScopes(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"v1:item.echo","args":{"title":"hello"}}`)
	out := d.Dispatch(context.Background(), body, "Bearer no-scope-token")

	require.Equal(t, 403, out.Status)
	require.Equal(t, string(apierr.InsufficientScopes), out.Body.Error.Code)
}

func TestDispatch_SchemaValidationFailed(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"v1:item.echo","args":{}}`)
	out := d.Dispatch(context.Background(), body, "Bearer good-token")

	require.Equal(t, 400, out.Status)
	require.Equal(t, string(apierr.SchemaValidationFailed), out.Body.Error.Code)
}

func TestDispatch_RemovedOperation(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"v1:item.removed","args":{}}`)
	out := d.Dispatch(context.Background(), body, "Bearer no-scope-token")

	require.Equal(t, 410, out.Status)
	require.Equal(t, string(apierr.OpRemoved), out.Body.Error.Code)
}

func TestDispatch_InvalidEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{"op":"not-a-valid-op"}`)
	out := d.Dispatch(context.Background(), body, "Bearer good-token")

	require.Equal(t, 400, out.Status)
	require.Equal(t, string(apierr.InvalidEnvelope), out.Body.Error.Code)
}

func TestDispatch_MalformedJSON(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body := bytes.NewBufferString(`{not json`)
	out := d.Dispatch(context.Background(), body, "Bearer good-token")

	require.Equal(t, 400, out.Status)
	require.Equal(t, string(apierr.InvalidEnvelope), out.Body.Error.Code)
}

func TestDispatch_EmptyArgsDefaultsToObject(t *testing.T) {
	d, _ := newTestDispatcher(t)

	registryOnlyRequiresObject := `{"op":"v1:item.removed"}`
	out := d.Dispatch(context.Background(), bytes.NewBufferString(registryOnlyRequiresObject), "Bearer no-scope-token")
	require.Equal(t, 410, out.Status) // reaches the sunset gate, proving args defaulted cleanly
}
