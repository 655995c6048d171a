package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/types"
)

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32)},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSealer(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}

func TestNewSealerFromPassword(t *testing.T) {
	_, err := NewSealerFromPassword("")
	assert.Error(t, err)

	a, err := NewSealerFromPassword("my-secure-password")
	require.NoError(t, err)
	b, err := NewSealerFromPassword("my-secure-password")
	require.NoError(t, err)

	sealed, err := a.Seal("oneadmin:secret")
	require.NoError(t, err)
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "oneadmin:secret", plain)
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)

	sealed, err := s.Seal("oneadmin:secret")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "oneadmin")

	again, err := s.Seal("oneadmin:secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ between seals")

	resealed, err := s.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, resealed)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "oneadmin:secret", plain)

	empty, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenErrors(t *testing.T) {
	s, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)
	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	other, err := NewSealerFromPassword("another key")
	require.NoError(t, err)

	tests := []struct {
		name   string
		sealer *Sealer
		value  string
	}{
		{name: "wrong key", sealer: other, value: sealed},
		{name: "no key", sealer: nil, value: sealed},
		{name: "bad base64", sealer: s, value: sealedPrefix + "%%%"},
		{name: "too short", sealer: s, value: sealedPrefix + "AAAA"},
		{name: "tampered", sealer: s, value: sealed[:len(sealed)-4] + strings.Repeat("A", 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sealer.Open(tt.value)
			assert.Error(t, err)
		})
	}

	_, err = (*Sealer)(nil).Open(sealed)
	assert.ErrorIs(t, err, ErrNoKey)

	plain, err := (*Sealer)(nil).Open("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", plain)
}

func TestSealZone(t *testing.T) {
	s, err := NewSealerFromPassword("zone key")
	require.NoError(t, err)

	zone := &types.Zone{
		Number:            1,
		SessionCredential: "oneadmin:secret",
		ForwardKey:        types.TSIGKey{Name: "fwd.", Secret: "Zm9yd2FyZA=="},
	}
	require.NoError(t, s.SealZone(zone))
	assert.True(t, IsSealed(zone.SessionCredential))
	assert.True(t, IsSealed(zone.ForwardKey.Secret))
	assert.Empty(t, zone.ReverseKey.Secret)
	assert.Equal(t, "fwd.", zone.ForwardKey.Name)

	opened, err := s.OpenZone(zone)
	require.NoError(t, err)
	assert.Equal(t, "oneadmin:secret", opened.SessionCredential)
	assert.Equal(t, "Zm9yd2FyZA==", opened.ForwardKey.Secret)
	assert.True(t, IsSealed(zone.SessionCredential), "OpenZone must not modify its argument")

	_, err = (*Sealer)(nil).OpenZone(zone)
	assert.ErrorIs(t, err, ErrNoKey)
}
