package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/validation"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath, logLevel = "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	configPath = writeFile(t, "pkiengine.yaml", "log_level: warn\npolicy: {key_length: 2048}\n")
	logLevel = "debug"
	t.Cleanup(func() { configPath, logLevel = "", "" })

	cfg, logger, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2048, cfg.Policy.KeyLength)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestLoadConfig_BadLevel(t *testing.T) {
	logLevel = "chatty"
	t.Cleanup(func() { logLevel = "" })

	_, _, err := loadConfig()
	assert.ErrorContains(t, err, "log_level")
}

func TestValidateArtifacts(t *testing.T) {
	cert := writeFile(t, "cert.pem", "CERT")
	root := writeFile(t, "root.pem", "ROOT")
	dfspRoot := writeFile(t, "dfsp-root.pem", "DFSP ROOT")
	saved := validateFlags
	t.Cleanup(func() { validateFlags = saved })

	validateFlags.cert = cert
	validateFlags.root = root
	a, err := validateArtifacts()
	require.NoError(t, err)
	assert.Equal(t, "CERT", a.Certificate)
	assert.Equal(t, "ROOT", a.RootCertificate)
	assert.Empty(t, a.CSR)
	assert.Nil(t, a.DFSPCA)

	validateFlags.dfspRoot = dfspRoot
	a, err = validateArtifacts()
	require.NoError(t, err)
	require.NotNil(t, a.DFSPCA)
	assert.Equal(t, "DFSP ROOT", a.DFSPCA.RootCertificate)
	assert.Equal(t, validation.StateValid, a.DFSPCA.ValidationState)

	validateFlags.csr = filepath.Join(t.TempDir(), "missing.pem")
	_, err = validateArtifacts()
	assert.Error(t, err)
}

func TestValidate_UnknownSet(t *testing.T) {
	saved := validateFlags
	t.Cleanup(func() { validateFlags = saved })

	_, err := execute(t, "validate", "--set", "everything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown rule set "everything"`)
	assert.Contains(t, err.Error(), validation.SetServerCert)
}

func TestEnroll_RequiresDFSP(t *testing.T) {
	_, err := execute(t, "enroll", "inbound", "sign", "--id", "1")
	assert.ErrorContains(t, err, "--dfsp is required")
}

func TestCSRCreate_RequiresParams(t *testing.T) {
	_, err := execute(t, "csr", "create")
	assert.ErrorContains(t, err, "--params is required")
}

func TestReadJSON(t *testing.T) {
	var v struct {
		Subject struct {
			CN string `json:"CN"`
		} `json:"subject"`
	}
	require.NoError(t, readJSON("params", writeFile(t, "p.json", `{"subject":{"CN":"hub"}}`), &v))
	assert.Equal(t, "hub", v.Subject.CN)

	err := readJSON("params", writeFile(t, "bad.json", `{`), &v)
	assert.ErrorContains(t, err, "decoding --params")
}
