package dispatchext

import (
	"github.com/meidoworks/nekodispatch/service/dispatchapi"

	"github.com/dgraph-io/badger/v3"
)

func init() {
	if err := dispatchapi.Register(dispatchapi.QueueTypeRam, NewRamQueue); err != nil {
		panic(err)
	}
}

// RegisterBadger makes the BADGER queue type available, backed by db.
func RegisterBadger(db *badger.DB) error {
	return dispatchapi.Register(dispatchapi.QueueTypeBadger, NewBadgerQueueFactory(db))
}
