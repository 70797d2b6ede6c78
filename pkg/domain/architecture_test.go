package domain

import (
	"testing"

	"stoqscore/testutil"
)

// TestDomainDoesNotImportInternal keeps the domain layer free of storage,
// transport and service packages.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain package must not import internal packages")
}

func TestDomainHasNoStorageDrivers(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, "stoqscore/pkg/domain", testutil.StorageDriverForbidden, "domain types must stay backend neutral")
}
