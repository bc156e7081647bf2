package dispatchapi

import (
	"errors"
	"testing"
)

func TestSessionName(t *testing.T) {
	n := NewSessionName("joe", 1)
	if n != "client/joe/session/1" {
		t.Fatal("unexpected session name:", n)
	}
	if n.Subject() != "joe" {
		t.Fatal("unexpected subject:", n.Subject())
	}
	for _, bad := range []string{"client/joe", "client//session/1", "client/joe/session/x", "topic/hello"} {
		if _, err := ParseSessionName(bad); !errors.Is(err, ErrIllegalArgument) {
			t.Fatal("expected illegal argument for", bad)
		}
	}
}

func TestParseQueueAddress(t *testing.T) {
	a, err := ParseQueueAddress("topic/hello")
	if err != nil || a.TopicOid != "hello" {
		t.Fatal("topic address:", a, err)
	}
	a, err = ParseQueueAddress("client/joe/session/1")
	if err != nil || a.Session != "client/joe/session/1" {
		t.Fatal("session address:", a, err)
	}
	if _, err := ParseQueueAddress("topic/"); !errors.Is(err, ErrIllegalArgument) {
		t.Fatal("expected illegal argument")
	}
	if _, err := ParseQueueAddress("queue/x"); !errors.Is(err, ErrIllegalArgument) {
		t.Fatal("expected illegal argument")
	}
}

func TestQosCloneAndExpiry(t *testing.T) {
	q := &MsgQos{RcvTimestamp: 1000, LifeTime: 500, Routes: []RouteInfo{{NodeId: "a"}}}
	q.SetClientProperty("k", "v")
	c := q.Clone()
	c.SetClientProperty("k", "changed")
	c.Routes[0].NodeId = "b"
	if v, _ := q.ClientProperty("k"); v != "v" || q.Routes[0].NodeId != "a" {
		t.Fatal("clone shares state with source")
	}
	if q.IsExpired(1499) || !q.IsExpired(1500) {
		t.Fatal("unexpected expiry")
	}
	if (&MsgQos{RcvTimestamp: 1}).IsExpired(1 << 40) {
		t.Fatal("zero lifetime never expires")
	}
}
