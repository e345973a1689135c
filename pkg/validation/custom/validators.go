package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/payload"
)

// Built-in validator types
const (
	TypeJSONSchema = "jsonschema"
	TypeProperty   = "property"
)

// NewDefaultRegistry creates a registry with the built-in validators
func NewDefaultRegistry(payloads payload.Provider) *Registry {
	r := NewRegistry()
	r.Register(TypeJSONSchema, JSONSchemaFactory(payloads))
	r.Register(TypeProperty, PropertyFactory)
	return r
}

// JSONSchemaFactory creates validators that check JSON payloads against a
// JSON schema. Settings:
//
//	schema      inline schema document
//	schemaFile  path of the schema document, used when schema is empty
//	contentId   only validate the payload with this content id
//	mimeType    only validate payloads of this MIME type (default application/json)
func JSONSchemaFactory(payloads payload.Provider) Factory {
	var cache sync.Map
	return func(cfg ValidatorConfig) (Validator, error) {
		doc := cfg.Settings["schema"]
		if doc == "" && cfg.Settings["schemaFile"] != "" {
			b, err := os.ReadFile(cfg.Settings["schemaFile"])
			if err != nil {
				return nil, fmt.Errorf("reading schema: %w", err)
			}
			doc = string(b)
		}
		if doc == "" {
			return nil, errors.New("jsonschema validator needs a schema")
		}

		var schema *jsonschema.Schema
		if v, ok := cache.Load(doc); ok {
			schema = v.(*jsonschema.Schema)
		} else {
			c := jsonschema.NewCompiler()
			ref := "mem://" + cfg.ID + ".json"
			if err := c.AddResource(ref, strings.NewReader(doc)); err != nil {
				return nil, fmt.Errorf("adding schema: %w", err)
			}
			s, err := c.Compile(ref)
			if err != nil {
				return nil, fmt.Errorf("compiling schema: %w", err)
			}
			cache.Store(doc, s)
			schema = s
		}

		mimeType := cfg.Settings["mimeType"]
		if mimeType == "" {
			mimeType = "application/json"
		}
		return &jsonSchemaValidator{
			schema:    schema,
			payloads:  payloads,
			contentID: cfg.Settings["contentId"],
			mimeType:  mimeType,
		}, nil
	}
}

type jsonSchemaValidator struct {
	schema    *jsonschema.Schema
	payloads  payload.Provider
	contentID string
	mimeType  string
}

func (v *jsonSchemaValidator) Validate(ctx context.Context, unit *model.MessageUnit) ([]ValidationError, error) {
	um := unit.UserMessage()
	if um == nil {
		return nil, nil
	}
	var errs []ValidationError
	for _, p := range um.Payloads {
		if v.contentID != "" && p.ContentID != v.contentID {
			continue
		}
		if v.contentID == "" && !strings.HasPrefix(p.MimeType, v.mimeType) {
			continue
		}
		data, err := payload.Read(ctx, v.payloads, p.PayloadID)
		if err != nil {
			return nil, err
		}
		if data == nil {
			errs = append(errs, ValidationError{Message: fmt.Sprintf("payload %s has no content", p.ContentID)})
			continue
		}
		doc, err := unmarshalJSON(bytes.NewReader(data))
		if err != nil {
			errs = append(errs, ValidationError{Message: fmt.Sprintf("payload %s is not valid JSON: %v", p.ContentID, err)})
			continue
		}
		if err := v.schema.Validate(doc); err != nil {
			var ve *jsonschema.ValidationError
			if !errors.As(err, &ve) {
				return nil, err
			}
			for _, be := range ve.BasicOutput().Errors {
				if be.Error == "" {
					continue
				}
				errs = append(errs, ValidationError{
					Message: fmt.Sprintf("payload %s at %q: %s", p.ContentID, be.InstanceLocation, be.Error),
				})
			}
		}
	}
	return errs, nil
}

// PropertyFactory creates validators that check a message property. Settings:
//
//	name      property name (required)
//	pattern   regular expression the value must match
//	optional  "true" when the property may be absent
func PropertyFactory(cfg ValidatorConfig) (Validator, error) {
	name := cfg.Settings["name"]
	if name == "" {
		return nil, errors.New("property validator needs a name")
	}
	v := &propertyValidator{name: name, optional: cfg.Settings["optional"] == "true"}
	if p := cfg.Settings["pattern"]; p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern: %w", err)
		}
		v.pattern = re
	}
	return v, nil
}

type propertyValidator struct {
	name     string
	pattern  *regexp.Regexp
	optional bool
}

func (v *propertyValidator) Validate(_ context.Context, unit *model.MessageUnit) ([]ValidationError, error) {
	um := unit.UserMessage()
	if um == nil {
		return nil, nil
	}
	for _, p := range um.Properties {
		if p.Name != v.name {
			continue
		}
		if v.pattern != nil && !v.pattern.MatchString(p.Value) {
			return []ValidationError{{Message: fmt.Sprintf("property %s value %q does not match %s", v.name, p.Value, v.pattern)}}, nil
		}
		return nil, nil
	}
	if v.optional {
		return nil, nil
	}
	return []ValidationError{{Message: fmt.Sprintf("property %s is missing", v.name)}}, nil
}

// unmarshalJSON decodes a JSON instance the way jsonschema v5 expects
// (json.Number for numbers) and rejects trailing content.
func unmarshalJSON(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid character after top-level value")
	}
	return doc, nil
}
