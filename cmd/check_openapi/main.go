package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type                 string            `yaml:"type"`
	Ref                  string            `yaml:"$ref"`
	Properties           map[string]schema `yaml:"properties"`
	Required             []string          `yaml:"required"`
	Items                *schema           `yaml:"items"`
	AdditionalProperties *schema           `yaml:"additionalProperties"`
}

// routes served by services/qr; each must be documented with these methods.
var requiredRoutes = map[string][]string{
	"/healthz":                           {"get"},
	"/auth/signup":                       {"post"},
	"/auth/login":                        {"post"},
	"/auth/logout":                       {"post"},
	"/auth/me":                           {"get"},
	"/auth/password":                     {"post"},
	"/auth/start":                        {"get"},
	"/qrs":                               {"get", "post"},
	"/qrs/new":                           {"get"},
	"/qrs/{id}":                          {"get", "patch", "put", "delete"},
	"/qrs/{id}/duplicate":                {"post"},
	"/qrs/{id}/analytics":                {"delete"},
	"/qrs/{id}/content":                  {"patch"},
	"/builder/sessions":                  {"post"},
	"/builder/sessions/current":          {"get", "delete"},
	"/builder/sessions/current/{action}": {"post"},
	"/builder/sessions/current/upload":   {"get", "post"},
	"/analytics/stats":                   {"get"},
	"/analytics/export_v2":               {"get"},
	"/v/{qrId}":                          {"get"},
	"/{key}":                             {"get"},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI check passed.")
}

func check(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	okResp, err := getSchema(doc, "SuccessResponse")
	if err != nil {
		return err
	}
	if err := validateSuccessResponse(okResp); err != nil {
		return err
	}
	return validateRoutes(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"success", "error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	if err := propertyType("ErrorResponse", s, "success", "boolean"); err != nil {
		return err
	}
	for _, field := range []string{"error", "code", "requestId"} {
		if err := propertyType("ErrorResponse", s, field, "string"); err != nil {
			return err
		}
	}
	details, ok := s.Properties["details"]
	if !ok || details.Type != "object" {
		return errors.New("ErrorResponse.details must be object")
	}
	if details.AdditionalProperties == nil || details.AdditionalProperties.Type != "string" {
		return errors.New("ErrorResponse.details must map field names to messages")
	}
	return nil
}

func validateSuccessResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("SuccessResponse must be object")
	}
	required := makeSet(s.Required)
	if !required["success"] || !required["data"] {
		return errors.New("SuccessResponse.required must include \"success\" and \"data\"")
	}
	if err := propertyType("SuccessResponse", s, "success", "boolean"); err != nil {
		return err
	}
	return propertyType("SuccessResponse", s, "requestId", "string")
}

func propertyType(name string, s schema, field, want string) error {
	prop, ok := s.Properties[field]
	if !ok || prop.Type != want {
		return fmt.Errorf("%s.%s must be %s", name, field, want)
	}
	return nil
}

func validateRoutes(doc openAPIDoc) error {
	paths := make([]string, 0, len(requiredRoutes))
	for p := range requiredRoutes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var missing []string
	for _, p := range paths {
		ops, ok := doc.Paths[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		for _, method := range requiredRoutes[p] {
			if _, ok := ops[method]; !ok {
				missing = append(missing, strings.ToUpper(method)+" "+p)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("undocumented routes: %s", strings.Join(missing, ", "))
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
