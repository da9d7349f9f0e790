package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetupWithOptionsWritesRotatedFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "offersd.log")
	logger, closer := SetupWithOptions(Options{Service: "offersd", Env: "test", File: path})
	logger.Info("offer created", slog.String("offer", "o-1"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	require.True(t, strings.Contains(line, `"message":"offer created"`), line)
	require.True(t, strings.Contains(line, `"severity":"INFO"`), line)
	require.True(t, strings.Contains(line, `"service":"offersd"`), line)
	require.True(t, strings.Contains(line, `"env":"test"`), line)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "s3cr3t").Value.String())
	require.Equal(t, "o-1", MaskField("offer", "o-1").Value.String())
	require.Equal(t, "", MaskField("jwt_secret", "").Value.String())
	require.True(t, Sensitive("Authorization"))
	require.False(t, Sensitive("token"))
}

func TestMaskDSN(t *testing.T) {
	require.Equal(t, "postgres://offers:%5BREDACTED%5D@db:5432/offers?sslmode=disable",
		MaskDSN("postgres://offers:hunter2@db:5432/offers?sslmode=disable"))
	require.Equal(t, "host=db user=offers password=[REDACTED] dbname=offers",
		MaskDSN("host=db user=offers password=hunter2 dbname=offers"))
	require.Equal(t, "./data/index.sqlite", MaskDSN("./data/index.sqlite"))
	require.Equal(t, "postgres://offers@db/offers", MaskDSN("postgres://offers@db/offers"))
}

func TestHandlerRedactsSensitiveAttributes(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "offersd.log")
	logger, closer := SetupWithOptions(Options{Service: "offersd", File: path})
	logger.Info("auth configured", slog.String("jwt_secret", "s3cr3t"), slog.String("offer", "o-1"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "s3cr3t")
	require.Contains(t, string(data), `"offer":"o-1"`)
}
