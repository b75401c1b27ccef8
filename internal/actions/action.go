package actions

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// DefaultTimeout bounds webhook and callback actions that declare no timeout.
const DefaultTimeout = 10 * time.Second

// Action is one compiled hook action. Implementations are immutable and safe
// to share between instances.
type Action interface {
	Kind() schema.ActionType
	Policy() schema.ErrorPolicy
	Execute(ctx context.Context, x *Executor, scope *expressions.Scope) error
}

// base carries the fields every action kind shares.
type base struct {
	policy  schema.ErrorPolicy
	payload any
}

func (b base) Policy() schema.ErrorPolicy { return b.policy }

// Compile validates spec and builds its Action. fallback is the policy used
// when spec sets none; an empty fallback means abort.
func Compile(spec schema.ActionSpec, fallback schema.ErrorPolicy) (Action, error) {
	policy, err := resolvePolicy(spec.ErrorPolicy, fallback)
	if err != nil {
		return nil, err
	}
	if err := expressions.CheckReferences(spec.Payload); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "payload: %s", messageOf(err)).WithCause(err)
	}
	b := base{policy: policy, payload: schema.DeepCopy(spec.Payload)}

	switch spec.Type {
	case schema.ActionEmitEvent:
		if strings.TrimSpace(spec.Topic) == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "emit_event requires a topic")
		}
		return &EmitEvent{base: b, Topic: spec.Topic}, nil

	case schema.ActionInvokeWebhook:
		u, err := url.ParseRequestURI(spec.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invoke_webhook: invalid url %q", spec.URL)
		}
		method := strings.ToUpper(spec.Method)
		if method == "" {
			method = http.MethodPost
		}
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet, http.MethodDelete:
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invoke_webhook: unsupported method %q", spec.Method)
		}
		timeout, err := parseTimeout(spec.Timeout)
		if err != nil {
			return nil, err
		}
		headers := make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			headers[k] = v
		}
		return &Webhook{base: b, URL: spec.URL, Host: u.Host, Method: method, Headers: headers, Timeout: timeout}, nil

	case schema.ActionInvokeCallback:
		if strings.TrimSpace(spec.Callback) == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "invoke_callback requires a callback name")
		}
		timeout, err := parseTimeout(spec.Timeout)
		if err != nil {
			return nil, err
		}
		return &Callback{base: b, Name: spec.Callback, Timeout: timeout}, nil

	case "":
		return nil, schema.NewError(schema.ErrCodeValidation, "action type is required")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown action type %q; available: emit_event, invoke_webhook, invoke_callback", spec.Type)
	}
}

// CompileAll compiles a hook's action list. Errors name the failing index.
func CompileAll(specs []schema.ActionSpec, fallback schema.ErrorPolicy) ([]Action, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]Action, 0, len(specs))
	for i, spec := range specs {
		a, err := Compile(spec, fallback)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "action[%d]: %s", i, messageOf(err)).
				WithDetails(map[string]any{"index": i}).WithCause(err)
		}
		out = append(out, a)
	}
	return out, nil
}

func resolvePolicy(p, fallback schema.ErrorPolicy) (schema.ErrorPolicy, error) {
	if p == "" {
		p = fallback
	}
	switch p {
	case "":
		return schema.PolicyAbort, nil
	case schema.PolicyAbort, schema.PolicyContinue:
		return p, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown errorPolicy %q; use abort or continue", p)
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", s)
	}
	return d, nil
}

// render resolves the payload template, or builds the default payload when
// the action declares none.
func (b base) render(scope *expressions.Scope) (any, error) {
	if b.payload == nil {
		return defaultPayload(scope), nil
	}
	return expressions.Render(b.payload, scope)
}

func defaultPayload(scope *expressions.Scope) map[string]any {
	out := map[string]any{}
	if scope == nil {
		return out
	}
	for _, k := range []string{"id", "workflowId", "entityId", "state"} {
		if v, ok := scope.Instance[k]; ok {
			if k == "id" {
				k = "instanceId"
			}
			out[k] = v
		}
	}
	if name, ok := scope.Transition["name"]; ok {
		out["transition"] = name
	}
	return out
}

func messageOf(err error) string {
	if e, ok := err.(*schema.Error); ok {
		return e.Message
	}
	return fmt.Sprint(err)
}
