package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/secret"
)

func validConfig() secret.PlatformConfig {
	return secret.PlatformConfig{
		Name:      "uma",
		Kind:      secret.KindInflux,
		Host:      "192.168.0.1",
		Port:      8080,
		User:      "user1",
		Password:  "pass1",
		Databases: []string{"metrics"},
	}
}

func newValidator(t *testing.T, hasSharedSecret bool) *Validator {
	t.Helper()
	v, err := New(logging.New(false, true), hasSharedSecret)
	require.NoError(t, err)
	return v
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	v := newValidator(t, false)
	assert.Empty(t, v.Validate(validConfig()))
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	t.Parallel()

	v := newValidator(t, false)

	cfg := validConfig()
	cfg.Host = ""
	cfg.User = ""
	cfg.Password = ""

	violations := v.Validate(cfg)
	// Validation must not stop at the first problem.
	assert.GreaterOrEqual(t, len(violations), 3)
}

func TestValidate_NamePattern(t *testing.T) {
	t.Parallel()

	v := newValidator(t, false)

	for _, name := range []string{"uma", "athens_iperf", "node-3", "a1"} {
		cfg := validConfig()
		cfg.Name = name
		assert.Empty(t, v.Validate(cfg), "name %q", name)
	}
	for _, name := range []string{"UMA", "uma platform", "üma", ""} {
		cfg := validConfig()
		cfg.Name = name
		assert.NotEmpty(t, v.Validate(cfg), "name %q", name)
	}
}

func TestValidate_PortRange(t *testing.T) {
	t.Parallel()

	v := newValidator(t, false)

	for _, port := range []int{1, 80, 8086, 65535} {
		cfg := validConfig()
		cfg.Port = port
		assert.Empty(t, v.Validate(cfg), "port %d", port)
	}
	for _, port := range []int{0, -1, 65536, 100000} {
		cfg := validConfig()
		cfg.Port = port
		assert.NotEmpty(t, v.Validate(cfg), "port %d", port)
	}
}

func TestValidate_UnknownBackendKind(t *testing.T) {
	t.Parallel()

	v := newValidator(t, false)

	cfg := validConfig()
	cfg.Kind = secret.Kind("oracle")
	assert.NotEmpty(t, v.Validate(cfg))
}

func TestValidate_SharedSecretCoversMissingPassword(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Password = ""

	// Without a shared secret, a platform with no password is invalid.
	assert.NotEmpty(t, newValidator(t, false).Validate(cfg))

	// With one, the guard authenticates the platform.
	assert.Empty(t, newValidator(t, true).Validate(cfg))
}

func TestValidateBundle_PartialBundlePolicy(t *testing.T) {
	t.Parallel()

	// Spec example: uma is fine, beta is missing its host. The bundle
	// must yield exactly one valid platform and one reported failure.
	bundle, err := secret.Parse([]byte(`uma:
  host: 192.168.0.1
  port: 8080
  user: user1
  password: p
  databases: [metrics]
beta:
  port: 8086
  user: u
  password: p
  databases: [d]
`))
	require.NoError(t, err)

	valid, failed := newValidator(t, false).ValidateBundle(bundle)

	require.Len(t, valid, 1)
	assert.Equal(t, "uma", valid[0].Name)

	require.Contains(t, failed, "beta")
	assert.Equal(t, "beta", failed["beta"].Platform)
	assert.Contains(t, failed["beta"].Error(), `missing required field "host"`)
}

func TestValidateBundle_AllValid(t *testing.T) {
	t.Parallel()

	bundle, err := secret.Parse([]byte(`uma:
  host: h1
  port: 8086
  user: u
  password: p
  databases: [d]
athens_rtt:
  host: h2
  port: 8086
  user: u
  password: p
  databases: [rtt]
`))
	require.NoError(t, err)

	valid, failed := newValidator(t, false).ValidateBundle(bundle)
	assert.Len(t, valid, 2)
	assert.Empty(t, failed)
	// Secret-file order is preserved.
	assert.Equal(t, "uma", valid[0].Name)
	assert.Equal(t, "athens_rtt", valid[1].Name)
}

func TestValidate_ViolationsNeverContainPassword(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Password = "super-secret-credential"
	cfg.Host = "" // force at least one violation

	for _, violation := range newValidator(t, false).Validate(cfg) {
		assert.NotContains(t, violation, "super-secret-credential")
	}
}
