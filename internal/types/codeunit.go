package types

import "fmt"

// UnitType enumerates the 17 code-structure variants recognized by the
// semantic tier (spec §3).
type UnitType string

const (
	UnitFunction  UnitType = "function"
	UnitMethod    UnitType = "method"
	UnitClass     UnitType = "class"
	UnitStruct    UnitType = "struct"
	UnitInterface UnitType = "interface"
	UnitEnum      UnitType = "enum"
	UnitTrait     UnitType = "trait"
	UnitModule    UnitType = "module"
	UnitPackage   UnitType = "package"
	UnitNamespace UnitType = "namespace"
	UnitConstant  UnitType = "constant"
	UnitVariable  UnitType = "variable"
	UnitTypeAlias UnitType = "type_alias"
	UnitMacro     UnitType = "macro"
	UnitTest      UnitType = "test"
	UnitEndpoint  UnitType = "endpoint"
	UnitConfig    UnitType = "config"
)

var validUnitTypes = map[UnitType]bool{
	UnitFunction: true, UnitMethod: true, UnitClass: true, UnitStruct: true,
	UnitInterface: true, UnitEnum: true, UnitTrait: true, UnitModule: true,
	UnitPackage: true, UnitNamespace: true, UnitConstant: true, UnitVariable: true,
	UnitTypeAlias: true, UnitMacro: true, UnitTest: true, UnitEndpoint: true,
	UnitConfig: true,
}

func (t UnitType) Valid() bool { return validUnitTypes[t] }

// UnitStatus tracks a CodeUnit's position in the Live/Replaced/Deleted
// lifecycle (spec §3).
type UnitStatus string

const (
	StatusLive     UnitStatus = "live"
	StatusReplaced UnitStatus = "replaced"
	StatusDeleted  UnitStatus = "deleted"
)

func (s UnitStatus) Valid() bool {
	switch s {
	case StatusLive, StatusReplaced, StatusDeleted:
		return true
	default:
		return false
	}
}

// ComplexityMetrics captures the structural complexity of a CodeUnit.
type ComplexityMetrics struct {
	Cyclomatic     int `json:"cyclomatic"`
	LinesOfCode    int `json:"lines_of_code"`
	ParameterCount int `json:"parameter_count"`
	NestingDepth   int `json:"nesting_depth"`
}

// QualityMetrics captures test/documentation coverage signals used by
// find_untested / find_undocumented (spec §4.3).
type QualityMetrics struct {
	HasTests        bool    `json:"has_tests"`
	HasDocComment   bool    `json:"has_doc_comment"`
	TestCoverage    float64 `json:"test_coverage"`
	DocCompleteness float64 `json:"doc_completeness"`
}

// CodeUnit is one addressable code structure (spec §3).
type CodeUnit struct {
	Meta

	WorkspaceRef  string
	UnitType      UnitType
	Name          string
	QualifiedName string
	FilePath      string
	Language      string
	Signature     string

	BodyHash string
	Body     *string // lazy; nil unless loaded via with_body

	Complexity ComplexityMetrics
	Quality    QualityMetrics

	Status UnitStatus

	Embedding Embedding
}

// Validate enforces the structural invariants from spec §3.
func (c *CodeUnit) Validate() error {
	if c.QualifiedName == "" {
		return fmt.Errorf("%w: qualified_name is required", ErrInvalid)
	}
	if !c.UnitType.Valid() {
		return fmt.Errorf("%w: invalid unit type %q", ErrInvalid, c.UnitType)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrInvalid, c.Status)
	}
	return nil
}

// WithBody returns a copy of the body content, loading it through loader
// if absent and requested. loader is the content-addressed blob fetch
// (store.content_get) — kept as a function parameter so CodeUnit itself
// never depends on the store package (spec §4.3 "lazy bodies").
func (c *CodeUnit) WithBody(withBody bool, loader func(hash string) ([]byte, error)) (string, error) {
	if c.Body != nil {
		return *c.Body, nil
	}
	if !withBody || c.BodyHash == "" {
		return "", nil
	}
	data, err := loader(c.BodyHash)
	if err != nil {
		return "", err
	}
	body := string(data)
	c.Body = &body
	return body, nil
}

// DependencyType enumerates the 14 edge-type variants in the dependency
// graph (spec §3).
type DependencyType string

const (
	DepImports     DependencyType = "imports"
	DepCalls       DependencyType = "calls"
	DepExtends     DependencyType = "extends"
	DepImplements  DependencyType = "implements"
	DepReferences  DependencyType = "references"
	DepInstantiate DependencyType = "instantiates"
	DepReturns     DependencyType = "returns"
	DepAccepts     DependencyType = "accepts"
	DepThrows      DependencyType = "throws"
	DepOverrides   DependencyType = "overrides"
	DepComposes    DependencyType = "composes"
	DepTests       DependencyType = "tests"
	DepConfigures  DependencyType = "configures"
	DepRecurses    DependencyType = "recurses"
)

var validDependencyTypes = map[DependencyType]bool{
	DepImports: true, DepCalls: true, DepExtends: true, DepImplements: true,
	DepReferences: true, DepInstantiate: true, DepReturns: true, DepAccepts: true,
	DepThrows: true, DepOverrides: true, DepComposes: true, DepTests: true,
	DepConfigures: true, DepRecurses: true,
}

func (t DependencyType) Valid() bool { return validDependencyTypes[t] }

// Dependency is a directed edge between two CodeUnits (spec §3). Edges are
// owned by the graph index, not by either endpoint.
type Dependency struct {
	Meta

	SourceID ID
	TargetID ID
	Type     DependencyType

	Transitive bool // false = direct
	Dev        bool // false = runtime
}

// Validate enforces that self-loops are only permitted for recursion
// edges (spec §3).
func (d *Dependency) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: invalid dependency type %q", ErrInvalid, d.Type)
	}
	if d.SourceID == d.TargetID && d.Type != DepRecurses {
		return fmt.Errorf("%w: self-loop only permitted for recursion edges", ErrInvalid)
	}
	return nil
}
