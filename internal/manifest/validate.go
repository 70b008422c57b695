package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const (
	schemaURL        = "socialhost://manifest.schema.json"
	builtinSchemaURL = "socialhost://builtin-manifest.schema.json"
)

const schemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "iconURL": {"type": "string"},
    "workerURL": {"type": "string"},
    "sidebarURL": {"type": "string"}
  }
}`

// Only builtin manifests may declare these; elsewhere they are dropped
// unchecked.
const builtinSchemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$ref": "socialhost://manifest.schema.json",
  "properties": {
    "origin": {"type": "string"},
    "contentPatchPath": {"type": "string"}
  }
}`

type manifestSchemas struct {
	remote  *jsonschema.Schema
	builtin *jsonschema.Schema
}

var compiledSchemas = sync.OnceValues(func() (manifestSchemas, error) {
	c := jsonschema.NewCompiler()
	for _, res := range []struct{ url, doc string }{
		{schemaURL, schemaDocument},
		{builtinSchemaURL, builtinSchemaDocument},
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(res.doc))
		if err != nil {
			return manifestSchemas{}, err
		}
		if err := c.AddResource(res.url, doc); err != nil {
			return manifestSchemas{}, err
		}
	}
	remote, err := c.Compile(schemaURL)
	if err != nil {
		return manifestSchemas{}, err
	}
	builtin, err := c.Compile(builtinSchemaURL)
	if err != nil {
		return manifestSchemas{}, err
	}
	return manifestSchemas{remote: remote, builtin: builtin}, nil
})

// Parse decodes a manifest document (YAML for .yaml/.yml locations, JSON
// otherwise) and validates it against location.
func Parse(location string, body []byte) (Manifest, error) {
	var doc any
	var err error
	if isYAMLLocation(location) {
		err = yaml.Unmarshal(body, &doc)
	} else {
		doc, err = jsonschema.UnmarshalJSON(bytes.NewReader(body))
	}
	if err != nil {
		return Manifest{}, &ValidationError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return Manifest{}, &ValidationError{Reason: "manifest must be an object"}
	}
	return Validate(location, raw)
}

// Validate sanitizes raw into a Manifest. Only whitelisted fields survive;
// origin and contentPatchPath are honored for builtin locations only.
func Validate(location string, raw map[string]any) (Manifest, error) {
	loc, err := url.Parse(strings.TrimSpace(location))
	if err != nil || !loc.IsAbs() {
		return Manifest{}, &ValidationError{Field: "location", Reason: fmt.Sprintf("%q is not an absolute url", location)}
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return Manifest{}, fmt.Errorf("compile manifest schema: %w", err)
	}
	builtin := IsBuiltinLocation(location)
	schema := schemas.remote
	if builtin {
		schema = schemas.builtin
	}
	if err := schema.Validate(raw); err != nil {
		return Manifest{}, &ValidationError{Reason: err.Error()}
	}

	m := Manifest{
		// Names are stored in NFC.
		Name:     norm.NFC.String(strings.TrimSpace(stringField(raw, "name"))),
		Location: loc.String(),
	}

	declared := strings.TrimSpace(stringField(raw, "origin"))
	if builtin && declared != "" {
		m.Origin, err = Origin(declared)
	} else {
		m.Origin, err = originOf(loc)
	}
	if err != nil {
		return Manifest{}, &ValidationError{Field: "origin", Reason: err.Error()}
	}

	if icon := strings.TrimSpace(stringField(raw, "iconURL")); icon != "" {
		resolved, err := resolve(loc, icon)
		if err != nil {
			return Manifest{}, &ValidationError{Field: "iconURL", Reason: err.Error()}
		}
		m.IconURL = resolved.String()
	}

	sameOrigin := []struct {
		field  string
		target *string
	}{
		{"workerURL", &m.WorkerURL},
		{"sidebarURL", &m.SidebarURL},
	}
	for _, f := range sameOrigin {
		value := strings.TrimSpace(stringField(raw, f.field))
		if value == "" {
			continue
		}
		resolved, err := resolve(loc, value)
		if err != nil {
			return Manifest{}, &ValidationError{Field: f.field, Reason: err.Error()}
		}
		*f.target = resolved.String()
		if builtin && IsBuiltinLocation(resolved.String()) {
			continue
		}
		origin, err := originOf(resolved)
		if err != nil {
			return Manifest{}, &ValidationError{Field: f.field, Reason: err.Error()}
		}
		if origin != m.Origin {
			return Manifest{}, &ValidationError{
				Field:  f.field,
				Reason: fmt.Sprintf("origin %s does not match manifest origin %s", origin, m.Origin),
			}
		}
	}

	if builtin {
		m.ContentPatchPath = strings.TrimSpace(stringField(raw, "contentPatchPath"))
	}
	return m, nil
}

func resolve(base *url.URL, value string) (*url.URL, error) {
	ref, err := url.Parse(value)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

func stringField(raw map[string]any, key string) string {
	value, _ := raw[key].(string)
	return value
}

func isYAMLLocation(location string) bool {
	if parsed, err := url.Parse(location); err == nil {
		location = parsed.Path
	}
	switch strings.ToLower(path.Ext(location)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
