package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotfix-license-server/internal/xorcipher"
)

func TestSealOpen(t *testing.T) {
	key := xorcipher.DeriveKey(testDevice, testLicense)
	in := VerifyPayload{SessionToken: "s", Nonce: "n", DeviceID: testDevice}

	sealed, err := Seal(in, key)
	require.NoError(t, err)

	out, err := Open[VerifyPayload](sealed.Encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Open[VerifyPayload](sealed.Encrypted, xorcipher.DeriveKey("other", testLicense))
	assert.Error(t, err)
}

func TestOpenValidates(t *testing.T) {
	key := "k"
	sealed, err := Seal(map[string]string{"nonce": "n"}, key)
	require.NoError(t, err)

	_, err = Open[VerifyPayload](sealed.Encrypted, key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_token")
}

func TestUnixMillis(t *testing.T) {
	assert.Zero(t, UnixMillis(nil))
	ts := time.UnixMilli(1767225600123)
	assert.Equal(t, int64(1767225600123), UnixMillis(&ts))
}

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, KindBadRequest.HTTPStatus())
	assert.Equal(t, 403, KindBurned.HTTPStatus())
	assert.Equal(t, 403, KindStale.HTTPStatus())
	assert.Equal(t, 404, KindNotFound.HTTPStatus())
	assert.Equal(t, 409, KindConflict.HTTPStatus())
	assert.Equal(t, 500, KindInternal.HTTPStatus())
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
