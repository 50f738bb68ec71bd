package store

import (
	"context"
	"encoding/json"
	"fmt"

	"channel-mirror/pkg/mirror"
)

// Profile returns the cached channel profile, zero-valued until first refreshed.
func (s *Store) Profile(ctx context.Context) (mirror.Profile, error) {
	var data []byte
	err := s.retrier.Do(ctx, s.callKey("profile"), func(ctx context.Context) error {
		if err := s.db.QueryRowContext(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&data); err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return mirror.Profile{}, err
	}
	if len(data) == 0 {
		return mirror.Profile{}, nil
	}

	var profile mirror.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return mirror.Profile{}, fmt.Errorf("profile: decode: %w", err)
	}

	return profile, nil
}

// UpdateProfile replaces the cached channel profile.
func (s *Store) UpdateProfile(ctx context.Context, profile mirror.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("update profile: encode: %w", err)
	}

	return s.retrier.Do(ctx, s.callKey("update_profile"), func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `UPDATE config SET data = ? WHERE id = 1`, data); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		return nil
	})
}
