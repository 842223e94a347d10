package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupsRegistered(t *testing.T) {
	assert.ElementsMatch(t, []string{"identity", "probes"}, Groups())
}
