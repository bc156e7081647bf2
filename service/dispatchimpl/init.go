package dispatchimpl

import (
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
)

func init() {
	if err := dispatchapi.Register(dispatchapi.DistributorConsumableQueue+","+ConsumableQueueVersion, NewConsumableQueuePlugin); err != nil {
		panic(err)
	}
	if err := dispatchapi.Register(dispatchapi.DistributorBroadcast+","+BroadcastVersion, NewBroadcastPlugin); err != nil {
		panic(err)
	}
}
