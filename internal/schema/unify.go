package schema

// typePrecedence ranks storage types from most to least specific. When a
// column saw conflicting non-null classifications across documents, the
// highest-ranked observed type wins. Specific scalar types outrank the
// text types, TEXT outranks VARCHAR(255) because a long value was proven
// to exist, and the structural markers only surface when nothing scalar
// was ever observed.
var typePrecedence = []string{
	TypeIdentifier,
	TypeTimestamp,
	TypeDecimal,
	TypeInteger,
	TypeBoolean,
	TypeText,
	TypeVarchar,
	TypeArray,
	TypeNested,
}

// Unify collapses an observed type set into one storage type plus a
// nullability flag. The null marker never wins the storage type; it only
// drives nullability. A set holding nothing but the null marker (every
// contributing document supplied null) falls back to nullable VARCHAR(255).
func Unify(types map[string]bool) (storage string, nullable bool) {
	nullable = types[TypeNull]
	for _, t := range typePrecedence {
		if types[t] {
			return t, nullable
		}
	}
	return TypeVarchar, true
}

// Unified resolves the column's storage type and nullability.
func (c *Column) Unified() (string, bool) {
	return Unify(c.Types)
}
