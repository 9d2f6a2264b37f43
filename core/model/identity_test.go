package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityLabel(t *testing.T) {
	assert.Equal(t, "jdoe", Identity{Subject: "s", Email: "e@x", Username: "jdoe"}.Label())
	assert.Equal(t, "e@x", Identity{Subject: "s", Email: "e@x"}.Label())
	assert.Equal(t, "s", Identity{Subject: "s"}.Label())
	assert.Equal(t, "anonymous", Identity{}.Label())
	assert.True(t, SystemIdentity().IsSystem())
	assert.False(t, Anonymous().IsSystem())
}
