// internal/browser/shim/shim.go
package shim

import (
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

// NamePlaceholder is replaced in the template with the binding name as a JS
// string literal.
const NamePlaceholder = "/*{{VEIL_BINDING_NAME}}*/"

//go:embed binding.js
var bindingTemplate string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BuildBindingShim injects name into template.
func BuildBindingShim(template, name string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, NamePlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", NamePlaceholder)
	}
	if name == "" {
		return "", fmt.Errorf("binding name is empty")
	}
	lit, err := json.MarshalToString(name)
	if err != nil {
		return "", err
	}
	return strings.Replace(template, NamePlaceholder, lit, 1), nil
}

// Binding returns the page-side source for the binding called name. It wraps
// the raw protocol binding in a function that returns a promise settled by
// Deliver.
func Binding(name string) (string, error) {
	return BuildBindingShim(bindingTemplate, name)
}

// Call is one decoded invocation of a shimmed binding.
type Call struct {
	// Seq is zero when the raw binding was called directly; such calls get
	// no reply.
	Seq  int64
	Args []jsoniter.RawMessage
}

// ParseCall decodes a binding payload. Payloads that are not shim envelopes
// become a single string argument.
func ParseCall(payload string) Call {
	env := gjson.Parse(payload)
	if !gjson.Valid(payload) || !env.IsObject() || !env.Get("seq").Exists() {
		lit, _ := json.Marshal(payload)
		return Call{Args: []jsoniter.RawMessage{lit}}
	}
	c := Call{Seq: env.Get("seq").Int()}
	for _, a := range env.Get("args").Array() {
		c.Args = append(c.Args, jsoniter.RawMessage(a.Raw))
	}
	return c
}

// Deliver builds the expression that settles call seq of binding name with
// result, or rejects it when callErr is non-nil.
func Deliver(name string, seq int64, result any, callErr error) (string, error) {
	lit, err := json.MarshalToString(name)
	if err != nil {
		return "", err
	}
	res := "undefined"
	errLit := "null"
	if callErr != nil {
		if errLit, err = json.MarshalToString(callErr.Error()); err != nil {
			return "", err
		}
	} else if result != nil {
		if res, err = json.MarshalToString(result); err != nil {
			return "", fmt.Errorf("binding %s returned an unserializable result: %w", name, err)
		}
	}
	return fmt.Sprintf("globalThis[%s].__deliver(%d, %s, %s)", lit, seq, res, errLit), nil
}
