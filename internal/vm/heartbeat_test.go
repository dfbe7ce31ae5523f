package vm

import (
	"testing"
	"time"
)

func TestDeadlineZeroNeverExpires(t *testing.T) {
	d := NewDeadline(0)
	if d.Expired() {
		t.Fatalf("a zero timeout deadline must never expire")
	}
}

func TestDeadlineExpiresAfterTimeout(t *testing.T) {
	d := NewDeadline(10 * time.Millisecond)
	if d.Expired() {
		t.Fatalf("deadline should not be expired immediately")
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for !d.Expired() {
		if time.Now().After(deadline) {
			t.Fatalf("deadline never expired within 200ms of a 10ms timeout")
		}
		time.Sleep(time.Millisecond)
	}
}
