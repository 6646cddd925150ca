package auth

import (
	"objectflow/internal/metadata"
)

// System object definitions backing authentication. Registered alongside
// user schemas so account data flows through the same pipeline, including
// uniqueness rules and hooks.

func userObject() *metadata.Object {
	return &metadata.Object{
		Name:  "_users",
		Label: "Users",
		Fields: metadata.FieldList{
			{Name: "id", Type: metadata.TypeText},
			{Name: "email", Type: metadata.TypeEmail, Required: true},
			{Name: "name", Type: metadata.TypeText},
			{Name: "password_hash", Type: metadata.TypeText, Required: true},
			{Name: "roles", Type: metadata.TypeJSON},
			{Name: "space_id", Type: metadata.TypeText},
			{Name: "active", Type: metadata.TypeBoolean, Default: true},
			{Name: "created_at", Type: metadata.TypeDatetime},
			{Name: "updated_at", Type: metadata.TypeDatetime},
		},
		Rules: []metadata.ValidationRule{
			{
				Name: "unique_email",
				Type: metadata.RuleUniqueness,
				Uniqueness: &metadata.UniquenessRule{
					Fields:          []string{"email"},
					CaseInsensitive: true,
				},
				Message: "An account with this email already exists",
			},
		},
	}
}

func refreshTokenObject() *metadata.Object {
	return &metadata.Object{
		Name:  "_refresh_tokens",
		Label: "Refresh Tokens",
		Fields: metadata.FieldList{
			{Name: "id", Type: metadata.TypeText},
			{Name: "user_id", Type: metadata.TypeText, Required: true},
			{Name: "token", Type: metadata.TypeText, Required: true},
			{Name: "expires_at", Type: metadata.TypeDatetime, Required: true},
			{Name: "created_at", Type: metadata.TypeDatetime},
		},
	}
}

// RegisterSystemObjects installs the auth-owned objects into the registry.
func RegisterSystemObjects(reg *metadata.Registry) error {
	if err := reg.Register(userObject()); err != nil {
		return err
	}
	return reg.Register(refreshTokenObject())
}
