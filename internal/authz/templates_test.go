package authz

import (
	"errors"
	"testing"
)

func TestTemplatesOrdered(t *testing.T) {
	templates := Templates()
	if len(templates) != 4 {
		t.Fatalf("expected 4 builtin templates, got %d", len(templates))
	}
	for i := 1; i < len(templates); i++ {
		if templates[i-1].ID >= templates[i].ID {
			t.Fatalf("templates not ordered by id: %s before %s", templates[i-1].ID, templates[i].ID)
		}
	}
}

func TestApplyTemplateFiltersToEnabledModules(t *testing.T) {
	grants, err := ApplyTemplate("safety-officer", []string{"incidents"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(grants) == 0 {
		t.Fatal("expected grants for the enabled module")
	}
	for _, g := range grants {
		if g.Module != ModuleIncidents {
			t.Fatalf("grant for non-enabled module %s leaked through", g.Module)
		}
	}
}

func TestApplyTemplateUnknownID(t *testing.T) {
	_, err := ApplyTemplate("superuser", []string{ModuleIncidents})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyTemplateEmptyEnablement(t *testing.T) {
	grants, err := ApplyTemplate("viewer", nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("expected no grants without enabled modules, got %d", len(grants))
	}
}

func TestMergeTemplatesAllowWins(t *testing.T) {
	merged, err := MergeTemplates([]string{"auditor", "administrator"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var deleteIncidents *Grant
	for i, g := range merged {
		if g.Module == ModuleIncidents && g.Action == ActionDelete {
			deleteIncidents = &merged[i]
		}
	}
	if deleteIncidents == nil {
		t.Fatal("merged set missing incidents delete grant")
	}
	if deleteIncidents.Decision != DecisionAllow {
		t.Fatalf("expected allow to win across templates, got %s", deleteIncidents.Decision)
	}
}

func TestMergeTemplatesKeepsDenyWhenUncontested(t *testing.T) {
	merged, err := MergeTemplates([]string{"auditor"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	for _, g := range merged {
		if g.Action == ActionDelete && g.Decision != DecisionDeny {
			t.Fatalf("auditor delete grant flipped to %s", g.Decision)
		}
	}
}

func TestMergeTemplatesUnknownID(t *testing.T) {
	_, err := MergeTemplates([]string{"viewer", "superuser"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
