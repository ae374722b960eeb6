package authz

import "fmt"

// Action verbs legal within a module. The catalog is extensible through
// module provisioning but these always exist.
const (
	ActionView        = "view"
	ActionCreate      = "create"
	ActionEdit        = "edit"
	ActionDelete      = "delete"
	ActionExport      = "export"
	ActionAssign      = "assign"
	ActionBulkEdit    = "bulk_edit"
	ActionUploadProof = "upload_proof"
)

var BuiltinActions = []ActionDef{
	{Code: ActionView, Description: "Read module records"},
	{Code: ActionCreate, Description: "Create module records"},
	{Code: ActionEdit, Description: "Edit module records"},
	{Code: ActionDelete, Description: "Delete module records"},
	{Code: ActionExport, Description: "Export module data"},
	{Code: ActionAssign, Description: "Assign records to users"},
	{Code: ActionBulkEdit, Description: "Edit records in bulk"},
	{Code: ActionUploadProof, Description: "Upload compliance evidence"},
}

// Functional areas shipped with the product.
const (
	ModuleIncidents  = "INCIDENTS"
	ModuleEPI        = "EPI"
	ModuleFormations = "FORMATIONS"
	ModuleVisites    = "VISITES_MEDICALES"
	ModuleControles  = "CONTROLES"
	ModuleVeille     = "VEILLE"
)

var BuiltinModules = []Module{
	{Code: ModuleIncidents, Name: "Incidents"},
	{Code: ModuleEPI, Name: "Équipements de protection individuelle"},
	{Code: ModuleFormations, Name: "Formations"},
	{Code: ModuleVisites, Name: "Visites médicales"},
	{Code: ModuleControles, Name: "Contrôles réglementaires"},
	{Code: ModuleVeille, Name: "Veille réglementaire"},
}

// DefaultFeatures returns the feature rows provisioned together with a new
// module. Provisioning is an explicit call from module creation, not a
// storage-side trigger.
func DefaultFeatures(moduleCode string) []Feature {
	moduleCode = NormalizeModuleCode(moduleCode)
	return []Feature{
		{Code: moduleCode + ":records", ModuleCode: moduleCode, Name: "Records"},
		{Code: moduleCode + ":exports", ModuleCode: moduleCode, Name: "Exports"},
		{Code: moduleCode + ":attachments", ModuleCode: moduleCode, Name: "Attachments"},
	}
}

// Catalog validates module and action codes against reference data. Module
// and action codes are a closed enumeration: unknown codes are rejected at
// the boundary instead of being stored as policy that can never evaluate.
type Catalog struct {
	modules map[string]struct{}
	actions map[string]struct{}
}

// NewCatalog builds a catalog from module and action reference rows.
func NewCatalog(modules []Module, actions []ActionDef) *Catalog {
	c := &Catalog{
		modules: make(map[string]struct{}, len(modules)),
		actions: make(map[string]struct{}, len(actions)),
	}
	for _, m := range modules {
		c.modules[NormalizeModuleCode(m.Code)] = struct{}{}
	}
	for _, a := range actions {
		c.actions[NormalizeActionCode(a.Code)] = struct{}{}
	}
	return c
}

// KnownModule reports whether the module code exists in the catalog.
func (c *Catalog) KnownModule(code string) bool {
	_, ok := c.modules[NormalizeModuleCode(code)]
	return ok
}

// KnownAction reports whether the action code exists in the catalog.
func (c *Catalog) KnownAction(code string) bool {
	_, ok := c.actions[NormalizeActionCode(code)]
	return ok
}

// ValidateKey rejects grant keys that reference unknown modules or actions.
func (c *Catalog) ValidateKey(moduleCode, actionCode string) error {
	if !c.KnownModule(moduleCode) {
		return fmt.Errorf("%w: unknown module code %q", ErrInvalidInput, moduleCode)
	}
	if !c.KnownAction(actionCode) {
		return fmt.Errorf("%w: unknown action code %q", ErrInvalidInput, actionCode)
	}
	return nil
}
