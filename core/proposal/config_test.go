package proposal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, 120*time.Second, c.AutoAcceptDelay())
	assert.NoError(t, c.Validate())
	c.AutoAcceptDelaySecs = -1
	assert.Error(t, c.Validate())
}
