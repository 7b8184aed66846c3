package vibe

import (
	"context"

	"github.com/rs/zerolog"

	"ginger/server/internal/models"
)

// Profiles reads partner profiles and resolves their avatar URLs.
type Profiles struct {
	store   ProfileStore
	avatars AvatarResolver
	log     zerolog.Logger
}

// NewProfiles returns a profile reader. avatars may be nil, in which case
// avatar references are passed through unchanged.
func NewProfiles(store ProfileStore, avatars AvatarResolver, log zerolog.Logger) *Profiles {
	return &Profiles{
		store:   store,
		avatars: avatars,
		log:     log.With().Str("module", "vibe.profiles").Logger(),
	}
}

// Get returns the profile of userID with AvatarURL filled in when the
// avatar reference resolves.
func (p *Profiles) Get(ctx context.Context, userID string) (models.Profile, error) {
	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		return models.Profile{}, err
	}
	if profile.AvatarRef == nil || *profile.AvatarRef == "" {
		return profile, nil
	}
	if p.avatars == nil {
		profile.AvatarURL = profile.AvatarRef
		return profile, nil
	}
	url, err := p.avatars.AvatarURL(ctx, *profile.AvatarRef)
	if err != nil {
		// A missing picture must not block a call.
		p.log.Warn().Err(err).Str("user_id", userID).Msg("failed to resolve avatar")
		return profile, nil
	}
	profile.AvatarURL = &url
	return profile, nil
}
