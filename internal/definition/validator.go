package definition

import (
	"fmt"
	"slices"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// Validation error codes.
const (
	CodeRequired          = "REQUIRED"
	CodeInvalidEnum       = "INVALID_ENUM"
	CodeRange             = "RANGE"
	CodeDuplicate         = "DUPLICATE"
	CodeRefNotFound       = "REF_NOT_FOUND"
	CodeOperationNotFound = "OPERATION_NOT_FOUND"
	CodeNotListable       = "NOT_LISTABLE"
	CodeUndeclaredField   = "UNDECLARED_FIELD"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DatasourceRef is the part of a configured datasource the validator needs.
type DatasourceRef struct {
	Driver    string
	ServiceID string
}

// DatasourceRefs extracts validator references from configured datasources.
func DatasourceRefs(datasources map[string]config.DatasourceConfig) map[string]DatasourceRef {
	refs := make(map[string]DatasourceRef, len(datasources))
	for name, ds := range datasources {
		refs[name] = DatasourceRef{Driver: ds.Driver, ServiceID: ds.ServiceID}
	}
	return refs
}

// Validator validates definitions structurally, against the configured
// datasources, and against OpenAPI specs.
type Validator struct {
	datasources map[string]DatasourceRef
	maxPageSize int
}

// NewValidator creates a new Validator. A maxPageSize of zero disables the
// upper bound on page sizes.
func NewValidator(datasources map[string]DatasourceRef, maxPageSize int) *Validator {
	return &Validator{datasources: datasources, maxPageSize: maxPageSize}
}

var (
	validModes       = []string{model.ModeClient, model.ModeServer}
	validColumnTypes = []string{
		model.ColumnString, model.ColumnNumber, model.ColumnInteger, model.ColumnBoolean,
		model.ColumnDate, model.ColumnDateTime, model.ColumnEnum,
	}
	validFilterTypes = []string{"text", "number", "select", "multi_select", "boolean", "date", "date_range", "number_range"}
)

// Validate checks all definitions. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(defs []model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateDomain(prefix, def, index)...)

		for j, t := range def.Tables {
			if t.ID == "" {
				continue
			}
			if first, dup := seen[t.ID]; dup {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.tables[%d].id", prefix, j),
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("table %q is already declared at %s", t.ID, first),
				})
				continue
			}
			seen[t.ID] = fmt.Sprintf("%s.tables[%d]", prefix, j)
		}
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: CodeRequired, Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: CodeRequired, Message: "version is required"})
	}
	if len(def.Tables) == 0 {
		errs = append(errs, VError{Path: prefix + ".tables", Code: CodeRequired, Message: "at least one table is required"})
	}

	for i, t := range def.Tables {
		tp := fmt.Sprintf("%s.tables[%d]", prefix, i)
		errs = append(errs, v.validateTable(tp, t, index)...)
	}

	return errs
}

func (v *Validator) validateTable(prefix string, t model.TableDefinition, index *openapi.Index) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"})
	}
	if t.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: CodeRequired, Message: "title is required"})
	}
	if !slices.Contains(validModes, t.Mode) {
		errs = append(errs, VError{
			Path:    prefix + ".mode",
			Code:    CodeInvalidEnum,
			Message: fmt.Sprintf("mode must be one of %v, got %q", validModes, t.Mode),
		})
	}

	if t.PageSize < 0 || (v.maxPageSize > 0 && t.PageSize > v.maxPageSize) {
		errs = append(errs, VError{
			Path:    prefix + ".page_size",
			Code:    CodeRange,
			Message: fmt.Sprintf("page_size must be between 1 and %d", v.maxPageSize),
		})
	}
	for i, n := range t.PageSizeOptions {
		if n <= 0 || (v.maxPageSize > 0 && n > v.maxPageSize) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.page_size_options[%d]", prefix, i),
				Code:    CodeRange,
				Message: fmt.Sprintf("page size option %d is out of range", n),
			})
		}
	}
	if t.PageSize > 0 && len(t.PageSizeOptions) > 0 && !slices.Contains(t.PageSizeOptions, t.PageSize) {
		errs = append(errs, VError{
			Path:    prefix + ".page_size",
			Code:    CodeInvalidEnum,
			Message: fmt.Sprintf("page_size %d is not one of page_size_options %v", t.PageSize, t.PageSizeOptions),
		})
	}
	if t.Debounce < 0 {
		errs = append(errs, VError{Path: prefix + ".debounce", Code: CodeRange, Message: "debounce must not be negative"})
	}

	errs = append(errs, v.validateColumns(prefix, t)...)
	errs = append(errs, v.validateSource(prefix+".source", t, index)...)

	return errs
}

func (v *Validator) validateColumns(prefix string, t model.TableDefinition) []VError {
	var errs []VError

	if len(t.Columns) == 0 {
		errs = append(errs, VError{Path: prefix + ".columns", Code: CodeRequired, Message: "at least one column is required"})
	}

	sortable := make(map[string]bool, len(t.Columns))
	ids := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		cp := fmt.Sprintf("%s.columns[%d]", prefix, i)
		if c.ID == "" {
			errs = append(errs, VError{Path: cp + ".id", Code: CodeRequired, Message: "column id is required"})
		} else if ids[c.ID] {
			errs = append(errs, VError{
				Path:    cp + ".id",
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("column %q is declared more than once", c.ID),
			})
		}
		ids[c.ID] = true
		sortable[c.ID] = c.Sortable

		if c.Type != "" && !slices.Contains(validColumnTypes, c.Type) {
			errs = append(errs, VError{
				Path:    cp + ".type",
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("type must be one of %v, got %q", validColumnTypes, c.Type),
			})
		}

		if c.Filter == nil {
			continue
		}
		if _, ok := table.LookupFilter(c.Filter.Operator); !ok && c.Filter.Operator != "" {
			errs = append(errs, VError{
				Path:    cp + ".filter.operator",
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("unknown filter operator %q", c.Filter.Operator),
			})
		}
		if c.Filter.Type != "" && !slices.Contains(validFilterTypes, c.Filter.Type) {
			errs = append(errs, VError{
				Path:    cp + ".filter.type",
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("filter type must be one of %v, got %q", validFilterTypes, c.Filter.Type),
			})
		}
	}

	if ds := t.DefaultSort; ds != nil {
		sp := prefix + ".default_sort"
		switch isSortable, known := sortable[ds.Column]; {
		case !known:
			errs = append(errs, VError{
				Path:    sp + ".column",
				Code:    CodeRefNotFound,
				Message: fmt.Sprintf("default sort column %q is not declared", ds.Column),
			})
		case !isSortable:
			errs = append(errs, VError{
				Path:    sp + ".column",
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("default sort column %q is not sortable", ds.Column),
			})
		}
		if ds.Direction != "" && !model.SortDirection(ds.Direction).Valid() {
			errs = append(errs, VError{
				Path:    sp + ".direction",
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("direction must be asc or desc, got %q", ds.Direction),
			})
		}
	}

	return errs
}

func (v *Validator) validateSource(prefix string, t model.TableDefinition, index *openapi.Index) []VError {
	src := t.Source
	if src.Datasource == "" {
		return []VError{{Path: prefix + ".datasource", Code: CodeRequired, Message: "datasource is required"}}
	}

	ref, ok := v.datasources[src.Datasource]
	if !ok {
		return []VError{{
			Path:    prefix + ".datasource",
			Code:    CodeRefNotFound,
			Message: fmt.Sprintf("datasource %q is not configured", src.Datasource),
		}}
	}

	var errs []VError
	switch ref.Driver {
	case config.DriverStatic:
		if len(src.Rows) == 0 && src.File == "" {
			errs = append(errs, VError{Path: prefix + ".rows", Code: CodeRequired, Message: "static sources need rows or file"})
		}
	case config.DriverSQLite, config.DriverPostgres:
		if src.Table == "" && src.Query == "" {
			errs = append(errs, VError{Path: prefix + ".table", Code: CodeRequired, Message: "sql sources need table or query"})
		}
	case config.DriverHTTP:
		serviceID := src.ServiceID
		if serviceID == "" {
			serviceID = ref.ServiceID
		}
		if src.OperationID == "" {
			errs = append(errs, VError{Path: prefix + ".operation_id", Code: CodeRequired, Message: "operation_id is required"})
			break
		}
		if index == nil {
			break
		}
		op, found := index.GetOperation(serviceID, src.OperationID)
		if !found {
			errs = append(errs, VError{
				Path:    prefix + ".operation_id",
				Code:    CodeOperationNotFound,
				Message: fmt.Sprintf("operation %s/%s not found in OpenAPI index", serviceID, src.OperationID),
			})
			break
		}
		if !op.Listable() {
			errs = append(errs, VError{
				Path:    prefix + ".operation_id",
				Code:    CodeNotListable,
				Message: fmt.Sprintf("operation %s/%s must be a GET without path parameters", serviceID, src.OperationID),
			})
		}
		if src.Mapping.ItemsPath == "" {
			errs = append(errs, VError{Path: prefix + ".mapping.items_path", Code: CodeRequired, Message: "items_path is required"})
		}
		for field, path := range map[string]string{"items_path": src.Mapping.ItemsPath, "total_path": src.Mapping.TotalPath} {
			if declared, known := op.ResponseDeclares(path); path != "" && known && !declared {
				errs = append(errs, VError{
					Path:    prefix + ".mapping." + field,
					Code:    CodeUndeclaredField,
					Message: fmt.Sprintf("%s is not in the response schema of %s/%s", path, serviceID, src.OperationID),
				})
			}
		}
	}

	return errs
}
