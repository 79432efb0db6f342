package config

import "slices"

// OverridesDiff describes what changed between two [TenantOverrides]
// snapshots. Only fields that can be safely hot-reloaded are tracked.
type OverridesDiff struct {
	TenantsChanged bool
	TenantChanges  []TenantDiff
}

// TenantDiff describes what changed for a single tenant between two
// overrides snapshots.
type TenantDiff struct {
	TenantID            string
	VocabularyChanged    bool
	ThresholdsChanged    bool
	Added                bool
	Removed              bool
}

// Diff compares old and new tenant overrides and returns what changed.
func Diff(old, new *TenantOverrides) OverridesDiff {
	d := OverridesDiff{}

	for id, oldT := range old.Tenants {
		newT, exists := new.Tenants[id]
		if !exists {
			d.TenantChanges = append(d.TenantChanges, TenantDiff{TenantID: id, Removed: true})
			d.TenantsChanged = true
			continue
		}
		td := diffTenant(id, oldT, newT)
		if td.VocabularyChanged || td.ThresholdsChanged {
			d.TenantChanges = append(d.TenantChanges, td)
			d.TenantsChanged = true
		}
	}

	for id := range new.Tenants {
		if _, exists := old.Tenants[id]; !exists {
			d.TenantChanges = append(d.TenantChanges, TenantDiff{TenantID: id, Added: true})
			d.TenantsChanged = true
		}
	}

	return d
}

// diffTenant compares two tenant overrides with the same tenant ID.
func diffTenant(id string, old, new TenantOverride) TenantDiff {
	td := TenantDiff{TenantID: id}

	if !slices.Equal(old.VocabularyTerms, new.VocabularyTerms) {
		td.VocabularyChanged = true
	}

	if !floatPtrEqual(old.SilenceThreshold, new.SilenceThreshold) ||
		!floatPtrEqual(old.AmplificationFactor, new.AmplificationFactor) {
		td.ThresholdsChanged = true
	}

	return td
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
