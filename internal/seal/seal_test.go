package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the tests fast.
var testParams = Params{Time: 1, MemoryKiB: 1024, Parallelism: 1}

func newSealer(t *testing.T, pass string, salt []byte) *Sealer {
	t.Helper()
	s, err := New([]byte(pass), salt, testParams)
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s := newSealer(t, "passphrase", salt)

	sealed, err := s.Seal([]byte(`{"key":"secret"}`), []byte("dfsp-ca/d1"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	plain, err := s.Open(sealed, []byte("dfsp-ca/d1"))
	require.NoError(t, err)
	assert.Equal(t, `{"key":"secret"}`, string(plain))
}

func TestOpen_WrongAAD(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s := newSealer(t, "passphrase", salt)

	sealed, err := s.Seal([]byte("x"), []byte("a"))
	require.NoError(t, err)
	_, err = s.Open(sealed, []byte("b"))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpen_WrongPassphrase(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	sealed, err := newSealer(t, "right", salt).Seal([]byte("x"), nil)
	require.NoError(t, err)
	_, err = newSealer(t, "wrong", salt).Open(sealed, nil)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, make([]byte, saltSize), testParams)
	assert.Error(t, err)
	_, err = New([]byte("p"), []byte("short"), testParams)
	assert.Error(t, err)
}

func TestOpen_UnsupportedEnvelope(t *testing.T) {
	s := newSealer(t, "p", make([]byte, saltSize))
	_, err := s.Open([]byte(`{"ver":2,"scheme":"aes256gcm"}`), nil)
	assert.ErrorContains(t, err, "unsupported envelope version")
	_, err = s.Open([]byte(`{"ver":1,"scheme":"rot13"}`), nil)
	assert.ErrorContains(t, err, "unsupported envelope scheme")
}
