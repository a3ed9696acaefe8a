package dispatcher

import (
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opencall/core/pkg/apierr"
)

// flattenSchemaError walks a jsonschema validation error tree into the
// flat path/message list the call envelope's cause.issues expects.
func flattenSchemaError(err error) []apierr.FieldIssue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []apierr.FieldIssue{{Path: "", Message: err.Error()}}
	}

	var issues []apierr.FieldIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, apierr.FieldIssue{Path: e.InstanceLocation, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return issues
}
