package env

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Host    string        `env:"TEST_HOST" default:"localhost"`
	Port    int           `env:"TEST_PORT" default:"8080"`
	Enabled bool          `env:"TEST_ENABLED" default:"true"`
	Wait    time.Duration `env:"TEST_WAIT" default:"5s"`
	NoDef   string        `env:"TEST_NO_DEF"`
}

func TestLoad(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_HOST", "example.com")
	os.Setenv("TEST_PORT", "9090")
	os.Setenv("TEST_ENABLED", "false")
	os.Setenv("TEST_WAIT", "1m30s")
	os.Setenv("TEST_NO_DEF", "foo")

	var cfg testConfig
	err := Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Wait)
	assert.Equal(t, "foo", cfg.NoDef)
}

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	var cfg testConfig
	err := Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Wait)
	assert.Empty(t, cfg.NoDef)
}

func TestLoad_EmptyStringRespected(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_HOST", "")

	var cfg testConfig
	err := Load(&cfg)
	require.NoError(t, err)

	// Empty strings are respected for string fields (the default does not apply)
	assert.Equal(t, "", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_InvalidValue(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "TEST_PORT", invalid.EnvVar)
	assert.Equal(t, "not-a-number", invalid.Value)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var s string
	err := Load(&s)
	var wrongType ErrNotStructPointer
	require.True(t, errors.As(err, &wrongType))

	err = Load(testConfig{})
	require.True(t, errors.As(err, &wrongType))
}

type nestedLeaf struct {
	DSN string `env:"TEST_NESTED_DSN"`
}

func (c *nestedLeaf) Validate() error {
	if c.DSN == "" {
		return errors.New("TEST_NESTED_DSN is required")
	}
	return nil
}

type nestedRoot struct {
	Leaf nestedLeaf
	Name string `env:"TEST_NESTED_NAME" default:"worker"`
}

func TestLoad_NestedValidation(t *testing.T) {
	os.Clearenv()

	var cfg nestedRoot
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_NESTED_DSN is required")

	os.Setenv("TEST_NESTED_DSN", "postgres://localhost/db")
	cfg = nestedRoot{}
	err = Load(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/db", cfg.Leaf.DSN)
	assert.Equal(t, "worker", cfg.Name)
}

func TestLoad_UnsupportedType(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_FLOAT", "1.5")

	var cfg struct {
		Ratio float64 `env:"TEST_FLOAT"`
	}
	err := Load(&cfg)
	require.Error(t, err)

	var unsupported ErrUnsupportedType
	require.True(t, errors.As(err, &unsupported))
}
