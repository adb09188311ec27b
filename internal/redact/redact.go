// Package redact strips secret material out of configuration document
// payloads before they reach a log line. Deployment
// payloads are free-form bytes from the operator's point of view (spec §3:
// ConfigurationDocument.Payload), but in practice they are almost always
// Kubernetes manifests, and Kubernetes Secret resources carry their values
// in cleartext right inside the resource body. Grounded on the teacher's
// pkg/masking.KubernetesSecretMasker, narrowed to the one concern FlowGate
// needs: redacting Secret data before PublishDocument logs a payload summary.
package redact

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedValue replaces every byte of a Secret's data/stringData field.
const MaskedValue = "[REDACTED]"

var (
	yamlSecretKind = regexp.MustCompile(`(?m)^kind:\s*Secret\s*$`)
	jsonSecretKind = regexp.MustCompile(`"kind"\s*:\s*"Secret"`)
)

// LooksLikeSecret performs a cheap pre-check so callers can skip the full
// parse for payloads that plainly carry no Secret resource.
func LooksLikeSecret(payload []byte) bool {
	if !bytes.Contains(payload, []byte("Secret")) {
		return false
	}
	return yamlSecretKind.Match(payload) || jsonSecretKind.Match(payload)
}

// Payload redacts Secret data/stringData fields from a configuration
// document payload, trying JSON first when the payload looks like JSON and
// falling back to (possibly multi-document) YAML otherwise. Any parse or
// serialization error returns the original payload unchanged — redaction
// must never fail the publish path it guards.
func Payload(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked, ok := redactJSON(payload); ok {
			return masked
		}
	}
	if masked, ok := redactYAML(payload); ok {
		return masked
	}
	return payload
}

func redactYAML(payload []byte) ([]byte, bool) {
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	var docs []map[string]any
	redacted := false

	for {
		var doc map[string]any
		if err := decoder.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, false
		}
		if doc == nil {
			continue
		}
		if redactResource(doc) {
			redacted = true
		}
		docs = append(docs, doc)
	}
	if !redacted || len(docs) == 0 {
		return nil, false
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, false
		}
	}
	if err := enc.Close(); err != nil {
		return nil, false
	}

	out := strings.TrimRight(buf.String(), "\n")
	if bytes.HasSuffix(payload, []byte("\n")) {
		out += "\n"
	}
	return []byte(out), true
}

func redactJSON(payload []byte) ([]byte, bool) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, false
	}
	if !redactResource(obj) {
		return nil, false
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, false
	}
	if bytes.HasSuffix(payload, []byte("\n")) {
		out = append(out, '\n')
	}
	return out, true
}

// redactResource redacts resource in place and reports whether anything
// changed. It handles a single Secret/SecretList, or a Kubernetes List (or
// any *List kind) whose items include Secrets.
func redactResource(resource map[string]any) bool {
	switch kind, _ := resource["kind"].(string); {
	case kind == "Secret":
		return redactDataFields(resource)
	case kind == "SecretList":
		return redactListItems(resource)
	case kind == "List" || strings.HasSuffix(kind, "List"):
		return redactListItems(resource)
	default:
		return false
	}
}

func redactListItems(resource map[string]any) bool {
	items, ok := resource["items"].([]any)
	if !ok {
		return false
	}
	any := false
	for _, item := range items {
		if m, ok := item.(map[string]any); ok && redactResource(m) {
			any = true
		}
	}
	return any
}

func redactDataFields(resource map[string]any) bool {
	redacted := false
	for _, field := range []string{"data", "stringData"} {
		m, ok := resource[field].(map[string]any)
		if !ok {
			continue
		}
		for key := range m {
			m[key] = MaskedValue
			redacted = true
		}
	}
	return redacted
}
