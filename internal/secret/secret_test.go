package secret

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var testKey = []byte("thisis32byteslongsecretkey123456")

func TestSeedNeverPrints(t *testing.T) {
	seed := NewSeed("sEdTM1uX8pu2do5XvTnutH6HsouMaM2")

	assert.Equal(t, redacted, seed.String())
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v %s", seed, seed, seed, seed), seed.Expose())

	b, err := json.Marshal(struct {
		Seed Seed `json:"seed"`
	}{seed})
	require.NoError(t, err)
	assert.NotContains(t, string(b), seed.Expose())

	var buf bytes.Buffer
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.DebugLevel,
	))
	logger.Info("signing", zap.Any("seed", seed), zap.Stringer("s", seed))
	assert.NotContains(t, buf.String(), seed.Expose())
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	seed := NewSeed("sn3nxiW7v8KXzPzAqzyHXbSSKNuN9")
	sealed, err := sealer.Seal(seed)
	require.NoError(t, err)
	assert.NotContains(t, sealed, seed.Expose())

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, seed.Expose(), opened.Expose())
}

func TestOpenWithWrongKey(t *testing.T) {
	a, err := NewSealer(testKey)
	require.NoError(t, err)
	b, err := NewSealer([]byte("another32byteslongsecretkey65432"))
	require.NoError(t, err)

	sealed, err := a.Seal(NewSeed("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = a.Open("00ff")
	require.ErrorIs(t, err, ErrCiphertextShort)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("shortkey"))
	require.ErrorIs(t, err, ErrInvalidKey)
}
