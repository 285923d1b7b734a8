package memory

import (
	"testing"

	"github.com/dvloznov/billscan/internal/store"
	"github.com/dvloznov/billscan/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return New()
	})
}
