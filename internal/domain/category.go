package domain

import "strings"

// Category identifies a capability in the registry. Well-known categories
// are fixed; any other value names a dynamic category contributed by an
// external tool provider. The zero value is not a valid category.
type Category string

// Well-known categories.
const (
	CategoryRed    Category = "red"
	CategoryBlue   Category = "blue"
	CategoryCloud  Category = "cloud"
	CategoryCrypto Category = "crypto"
	CategoryOSINT  Category = "osint"
	CategorySystem Category = "system"
	CategoryAction Category = "action"
	CategoryCasual Category = "casual"
	CategoryNovice Category = "novice"

	// CategoryUnknown is produced when routing cannot decide.
	CategoryUnknown Category = "unknown"
)

var wellKnownCategories = map[Category]struct{}{
	CategoryRed:     {},
	CategoryBlue:    {},
	CategoryCloud:   {},
	CategoryCrypto:  {},
	CategoryOSINT:   {},
	CategorySystem:  {},
	CategoryAction:  {},
	CategoryCasual:  {},
	CategoryNovice:  {},
	CategoryUnknown: {},
}

// NewCategory normalizes name into a Category. Names that differ only in
// case or surrounding whitespace produce the same Category.
func NewCategory(name string) Category {
	return Category(strings.ToLower(strings.TrimSpace(name)))
}

// ParseDelegationTarget maps the token captured from a delegation directive
// to a Category. Tokens naming a well-known category resolve to it regardless
// of case; anything else becomes a dynamic category.
func ParseDelegationTarget(token string) Category {
	return NewCategory(token)
}

// String returns the normalized (lower case) form.
func (c Category) String() string { return string(c) }

// Display returns the upper case form used in logs, prompts and directives.
func (c Category) Display() string { return strings.ToUpper(string(c)) }

// IsWellKnown reports whether c is one of the fixed categories.
func (c Category) IsWellKnown() bool {
	_, ok := wellKnownCategories[c]
	return ok
}

// IsDynamic reports whether c was contributed by an external tool provider.
func (c Category) IsDynamic() bool {
	return c != "" && !c.IsWellKnown()
}

// MarshalText encodes the display form.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.Display()), nil
}

// UnmarshalText accepts any case and normalizes.
func (c *Category) UnmarshalText(text []byte) error {
	*c = NewCategory(string(text))
	return nil
}
