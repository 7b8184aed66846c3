package models

// Profile is the partner payload shown during a call. The core treats it
// as opaque apart from the ID.
type Profile struct {
	ID          string  `json:"id" db:"id"`
	DisplayName string  `json:"displayName" db:"display_name"`
	AvatarRef   *string `json:"-" db:"avatar_url"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	Gender      *string `json:"gender,omitempty" db:"gender"`
	LookingFor  *string `json:"lookingFor,omitempty" db:"looking_for"`
}

// Name returns the display name or a neutral fallback
func (p Profile) Name() string {
	if p.DisplayName == "" {
		return "Someone"
	}
	return p.DisplayName
}
