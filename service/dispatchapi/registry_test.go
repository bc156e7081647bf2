package dispatchapi

import (
	"errors"
	"testing"
)

type dummyDistributor struct {
	MsgDistributor
}

func TestRegisterDistributor(t *testing.T) {
	err := Register("RegistryTest,2.0", func() MsgDistributor { return dummyDistributor{} })
	if err != nil {
		t.Fatal(err)
	}
	if err := Register("RegistryTest,2.0", func() MsgDistributor { return dummyDistributor{} }); !errors.Is(err, ErrAddonAlreadyExist) {
		t.Fatal("expected duplicate error, got", err)
	}
	if _, err := GetDistributorFactory("RegistryTest"); err != nil {
		t.Fatal("bare type lookup failed:", err)
	}
	if _, err := GetDistributorFactory("RegistryTest,2.0"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetDistributorFactory("Missing"); !errors.Is(err, ErrDistributorUnknown) {
		t.Fatal("expected unknown error, got", err)
	}
}

func TestRegisterQueueFactory(t *testing.T) {
	var f QueueFactory = func(string, *QueueProperty) (StorageQueue, error) { return nil, nil }
	if err := Register("REGISTRY_TEST", f); err != nil {
		t.Fatal(err)
	}
	if _, err := GetQueueFactory("REGISTRY_TEST"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetQueueFactory("NONE"); !errors.Is(err, ErrQueueTypeUnknown) {
		t.Fatal("expected unknown queue type, got", err)
	}
}
