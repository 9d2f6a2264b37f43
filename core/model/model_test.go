package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIncidentHasLocation(t *testing.T) {
	lat, lon := 45.75, 4.85
	assert.True(t, Incident{Latitude: &lat, Longitude: &lon}.HasLocation())
	assert.False(t, Incident{Latitude: &lat}.HasLocation())
	assert.False(t, Incident{}.HasLocation())
}

func TestProposalTerminal(t *testing.T) {
	now := time.Now()
	assert.False(t, Proposal{}.Terminal())
	assert.True(t, Proposal{ValidatedAt: &now}.Terminal())
	assert.True(t, Proposal{RejectedAt: &now}.Terminal())
}

func TestAssignmentActive(t *testing.T) {
	now := time.Now()
	assert.True(t, Assignment{}.Active())
	assert.False(t, Assignment{UnassignedAt: &now}.Active())
}
