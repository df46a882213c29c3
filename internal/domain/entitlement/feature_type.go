package entitlement

// FeatureType is how a feature is priced and metered.
type FeatureType string

const (
	FeatureTypeFlat    FeatureType = "flat"
	FeatureTypeUsage   FeatureType = "usage"
	FeatureTypeTier    FeatureType = "tier"
	FeatureTypePackage FeatureType = "package"
)

// AllFeatureTypes returns every known feature type
func AllFeatureTypes() []FeatureType {
	return []FeatureType{FeatureTypeFlat, FeatureTypeUsage, FeatureTypeTier, FeatureTypePackage}
}

// IsValid reports whether t is a known feature type
func (t FeatureType) IsValid() bool {
	switch t {
	case FeatureTypeFlat, FeatureTypeUsage, FeatureTypeTier, FeatureTypePackage:
		return true
	}
	return false
}

// IsMetered reports whether usage counts against a limit for this type
func (t FeatureType) IsMetered() bool {
	return t.IsValid() && t != FeatureTypeFlat
}

func (t FeatureType) String() string {
	return string(t)
}
