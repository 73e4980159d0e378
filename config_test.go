package parquedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownStorageBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, IsType(err, ErrorTypeInvariant))
}

func TestValidateRequiresS3Bucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "s3"
	require.Error(t, cfg.Validate())

	cfg.Storage.S3Bucket = "my-bucket"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsInvertedLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Query.DefaultLimit = 500
	cfg.Query.MaxLimit = 100
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsHeartbeatOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Subscription.HeartbeatInterval = cfg.Subscription.HeartbeatTimeout
	require.Error(t, cfg.Validate())
}
