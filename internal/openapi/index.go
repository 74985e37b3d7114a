// Package openapi indexes the operations of backend OpenAPI documents so
// HTTP-backed tables can resolve their list operation by operationId and
// check their response mapping against the declared schema.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/tabula/internal/config"
)

// SpecSource names the OpenAPI document of one backend service. BaseURL
// overrides the document's first server.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation is one operation of a backend service.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	BaseURL      string
	// Parameters merges path-item and operation parameters; the
	// operation's declaration wins.
	Parameters []*openapi3.Parameter

	response *openapi3.Schema
}

// QueryParam returns the declared query parameter name.
func (op IndexedOperation) QueryParam(name string) (*openapi3.Parameter, bool) {
	i := slices.IndexFunc(op.Parameters, func(p *openapi3.Parameter) bool {
		return p.In == openapi3.ParameterInQuery && p.Name == name
	})
	if i < 0 {
		return nil, false
	}
	return op.Parameters[i], true
}

// PathParams lists the operation's path parameters.
func (op IndexedOperation) PathParams() []string {
	var names []string
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInPath {
			names = append(names, p.Name)
		}
	}
	return names
}

// Listable reports whether the operation can back a table: a GET without
// path parameters.
func (op IndexedOperation) Listable() bool {
	return op.Method == http.MethodGet && len(op.PathParams()) == 0
}

// ResponseDeclares reports whether the dotted path exists in the JSON body
// of the operation's 200 response. known is false when no schema was
// declared, in which case nothing can be checked.
func (op IndexedOperation) ResponseDeclares(path string) (declared, known bool) {
	schema := op.response
	if schema == nil {
		return false, false
	}
	for part := range strings.SplitSeq(path, ".") {
		ref, ok := schema.Properties[part]
		if !ok || ref.Value == nil {
			// Free-form objects accept any property.
			return len(schema.Properties) == 0 && schema.Type.Is(openapi3.TypeObject), true
		}
		schema = ref.Value
	}
	return true, true
}

// Index holds the operations of every loaded service.
type Index struct {
	services map[string]map[string]IndexedOperation
	count    int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{services: make(map[string]map[string]IndexedOperation)}
}

// Load parses, validates and indexes each source. External references are
// refused so a document cannot make the service fetch arbitrary URLs.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	ctx := context.Background()

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: %s: load %s: %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(ctx); err != nil {
			return fmt.Errorf("openapi: %s: %w", src.ServiceID, err)
		}
		if err := idx.add(src, doc); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) add(src SpecSource, doc *openapi3.T) error {
	base := src.BaseURL
	if base == "" && len(doc.Servers) > 0 {
		base = doc.Servers[0].URL
	}
	ops := idx.services[src.ServiceID]
	if ops == nil {
		ops = make(map[string]IndexedOperation)
		idx.services[src.ServiceID] = ops
	}

	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if prev, dup := ops[op.OperationID]; dup {
				return fmt.Errorf("openapi: %s: operationId %s used by %s %s and %s %s",
					src.ServiceID, op.OperationID, prev.Method, prev.PathTemplate, method, path)
			}
			ops[op.OperationID] = IndexedOperation{
				ServiceID:    src.ServiceID,
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				BaseURL:      base,
				Parameters:   mergeParameters(item.Parameters, op.Parameters),
				response:     jsonResponse(op),
			}
			idx.count++
		}
	}
	return nil
}

func mergeParameters(shared, own openapi3.Parameters) []*openapi3.Parameter {
	var out []*openapi3.Parameter
	for _, ref := range own {
		if ref.Value != nil {
			out = append(out, ref.Value)
		}
	}
	for _, ref := range shared {
		if ref.Value != nil && own.GetByInAndName(ref.Value.In, ref.Value.Name) == nil {
			out = append(out, ref.Value)
		}
	}
	return out
}

func jsonResponse(op *openapi3.Operation) *openapi3.Schema {
	ok := op.Responses.Status(http.StatusOK)
	if ok == nil || ok.Value == nil {
		return nil
	}
	mt := ok.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

// ErrUnknownOperation is returned by Lookup.
var ErrUnknownOperation = errors.New("openapi: unknown operation")

// GetOperation returns the operation of serviceID with operationID.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.services[serviceID][operationID]
	return op, ok
}

// Lookup is GetOperation with an error naming what is missing.
func (idx *Index) Lookup(serviceID, operationID string) (IndexedOperation, error) {
	if op, ok := idx.GetOperation(serviceID, operationID); ok {
		return op, nil
	}
	return IndexedOperation{}, fmt.Errorf("%w %s/%s", ErrUnknownOperation, serviceID, operationID)
}

// OperationIDs lists the operations of serviceID in sorted order.
func (idx *Index) OperationIDs(serviceID string) []string {
	ids := make([]string, 0, len(idx.services[serviceID]))
	for id := range idx.services[serviceID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len is the number of indexed operations across services.
func (idx *Index) Len() int { return idx.count }

// SourcesFromConfig resolves configured spec files against the specs
// directory.
func SourcesFromConfig(cfg config.SpecsConfig) []SpecSource {
	out := make([]SpecSource, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		path := s.SpecFile
		if cfg.Directory != "" && !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Directory, path)
		}
		out = append(out, SpecSource{ServiceID: s.ServiceID, SpecPath: path})
	}
	return out
}
