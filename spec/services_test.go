package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidService(t *testing.T) {
	for _, s := range Services {
		assert.True(t, ValidService(string(s)), "catalog entry %s must validate", s)
	}

	assert.False(t, ValidService("steal-pdf"))
	assert.False(t, ValidService(""))
	assert.False(t, ValidService("Merge-PDF"))
}

func TestServiceCatalogHasNoDuplicates(t *testing.T) {
	seen := make(map[Service]struct{}, len(Services))
	for _, s := range Services {
		_, dup := seen[s]
		assert.False(t, dup, "duplicate catalog entry %s", s)
		seen[s] = struct{}{}
	}
}
