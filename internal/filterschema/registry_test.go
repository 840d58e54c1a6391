package filterschema

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestNewLoadsBuiltinSchemas(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	for _, name := range []string{"local-rate-limit", "header-mutation", "cors", "jwt-authn", "ext-authz"} {
		s, err := reg.Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name)
	}
}

func TestGetUnknownSchemaReturnsNotFound(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	_, err = reg.Get("does-not-exist")
	require.Error(t, err)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	err = reg.Validate("cors", []byte(`{"allow_methods": ["GET"]}`), false)
	assert.Error(t, err, "allow_origin is required")
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	err = reg.Validate("cors", []byte(`{"allow_origin": ["https://example.com"], "allow_credentials": true}`), false)
	assert.NoError(t, err)
}

func TestTranslateRefusesUnimplementedFilter(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	_, err = reg.Translate("ext-authz", []byte(`{"grpc_service_cluster": "authz"}`))
	require.Error(t, err)
}

func TestTranslateProducesHTTPFilterConfig(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	cfg, err := reg.Translate("jwt-authn", []byte(`{"issuer": "https://issuer.example", "jwks_uri": "https://issuer.example/jwks.json"}`))
	require.NoError(t, err)
	assert.Equal(t, "envoy.filters.http.jwt_authn", cfg.Name)
	assert.Equal(t, "https://issuer.example", cfg.Config["issuer"])
}

func TestTranslateRejectsInvalidConfig(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	_, err = reg.Translate("jwt-authn", []byte(`{"issuer": "https://issuer.example"}`))
	require.Error(t, err, "jwks_uri is required")
}

func TestCustomSchemaOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	overrideDoc := `
name: cors
display_name: CORS (custom)
envoy:
  http_filter_name: envoy.filters.http.cors
  type_url: type.googleapis.com/envoy.extensions.filters.http.cors.v3.Cors
capabilities:
  attachment_points: [route_config]
is_implemented: true
config_schema:
  type: object
  properties:
    allow_origin:
      type: array
      items: {type: string}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cors.yaml"), []byte(overrideDoc), 0o644))

	reg, err := New(dir, discardLogger())
	require.NoError(t, err)

	s, err := reg.Get("cors")
	require.NoError(t, err)
	assert.Equal(t, "CORS (custom)", s.DisplayName)

	// the override dropped "required: [allow_origin]", so an empty config now validates
	assert.NoError(t, reg.Validate("cors", []byte(`{}`), false))
}

func TestReloadSkipsInvalidFileButKeepsPreviouslyLoaded(t *testing.T) {
	dir := t.TempDir()
	goodDoc := `
name: my-custom-filter
envoy:
  http_filter_name: envoy.filters.http.custom
  type_url: type.googleapis.com/custom.v3.Custom
capabilities:
  attachment_points: [route_config]
is_implemented: true
config_schema:
  type: object
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(goodDoc), 0o644))

	reg, err := New(dir, discardLogger())
	require.NoError(t, err)
	_, err = reg.Get("my-custom-filter")
	require.NoError(t, err)

	// drop in an unparsable file alongside the good one and reload
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("not: [valid yaml"), 0o644))
	require.NoError(t, reg.Reload())

	_, err = reg.Get("my-custom-filter")
	assert.NoError(t, err, "previously loaded schema survives a sibling parse failure")
}

func TestWatchReturnsImmediatelyWithoutDirectory(t *testing.T) {
	reg, err := New("", discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return for an unconfigured directory")
	}
}
