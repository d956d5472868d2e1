package localstore

import (
	"context"
	"errors"
)

// Preference keys
const (
	PrefSessionKey     = "session_key"
	prefDeviceIDPrefix = "device_id:"
)

// DeviceIDPref is the preference key caching the authority's id for a fingerprint
func DeviceIDPref(fingerprint string) string {
	return prefDeviceIDPrefix + fingerprint
}

// Prefs is a typed view of the preference namespace
type Prefs struct {
	store Store
}

// NewPrefs wraps store
func NewPrefs(store Store) *Prefs {
	return &Prefs{store: store}
}

// SessionKey returns the persisted session key, if any
func (p *Prefs) SessionKey(ctx context.Context) (string, bool, error) {
	return p.store.GetPref(ctx, PrefSessionKey)
}

func (p *Prefs) SetSessionKey(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("session key must not be empty")
	}
	return p.store.SetPref(ctx, PrefSessionKey, key)
}

func (p *Prefs) ClearSessionKey(ctx context.Context) error {
	return p.store.DeletePref(ctx, PrefSessionKey)
}

// DeviceID returns the cached device id for fingerprint
func (p *Prefs) DeviceID(ctx context.Context, fingerprint string) (string, bool, error) {
	return p.store.GetPref(ctx, DeviceIDPref(fingerprint))
}

func (p *Prefs) SetDeviceID(ctx context.Context, fingerprint, deviceID string) error {
	return p.store.SetPref(ctx, DeviceIDPref(fingerprint), deviceID)
}

// ClearDeviceID forgets the cached id so the next connect registers again
func (p *Prefs) ClearDeviceID(ctx context.Context, fingerprint string) error {
	return p.store.DeletePref(ctx, DeviceIDPref(fingerprint))
}
