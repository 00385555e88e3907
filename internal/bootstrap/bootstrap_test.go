package bootstrap

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/config"
	"github.com/opme/consignment-engine/consignment"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOpen_SQLiteWithLocalLock(t *testing.T) {
	rt, err := Open(context.Background(), config.Config{SQLitePath: ":memory:"}, quietLogger())
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "sqlite", rt.Backend)

	raw := consignment.RawDocument{
		DocumentKey: "NF1", Number: "1", Series: "1", IssuedAt: time.Now(), RecipientID: "C1",
		Items: []consignment.RawItem{{ProductID: "P1", CFOP: "5917", Quantity: consignment.MustQuantity("2"), UnitValue: consignment.MustQuantity("1")}},
	}
	res, err := rt.Engine.SubmitInvoice(context.Background(), raw, consignment.SourceManual)
	require.NoError(t, err)
	assert.True(t, res.Applied())

	rt.Close()
	rt.Close() // idempotent
}

func TestOpen_UnreachableRedisFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Open(ctx, config.Config{SQLitePath: ":memory:", RedisAddr: "127.0.0.1:1", LockTTL: time.Second}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestRegistryClient(t *testing.T) {
	_, err := RegistryClient(config.Config{})
	assert.True(t, IsNotConfigured(err))

	c, err := RegistryClient(config.Config{MainoAPIKey: "k", MainoBaseURL: "https://example.test"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
