package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/pack-go/pack/devserver"
)

func TestListen(t *testing.T) {
	var cfg config
	require.NoError(t, TCP(`127.0.0.1:0`)(&cfg))
	lr, err := cfg.Listen(context.Background())
	require.NoError(t, err)
	defer lr.Close()
	assert.Equal(t, `tcp`, lr.Addr().Network())
}

func TestAddressRequired(t *testing.T) {
	_, err := devserver.New(Dev())
	assert.Error(t, err)
	_, err = devserver.New(Dev(Unix(`/tmp/pack.sock`)))
	assert.NoError(t, err)
}
