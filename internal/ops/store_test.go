package ops

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(5)

	entry := &logrus.Entry{
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "slippage cutback engaged",
		Data: logrus.Fields{
			"component": "router",
			"symbol":    "BTCUSDT",
			"err":       errors.New("boom"),
		},
	}
	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire returned error: %v", err)
	}

	records := store.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Component != "router" {
		t.Fatalf("component = %q", rec.Component)
	}
	if rec.Fields["symbol"] != "BTCUSDT" {
		t.Fatalf("symbol field = %v", rec.Fields["symbol"])
	}
	if rec.Fields["err"] != "boom" {
		t.Fatalf("error field should be stringified, got %v", rec.Fields["err"])
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatal("component should not be duplicated into fields")
	}
}

func TestLogStoreEnforcesLimit(t *testing.T) {
	store := newLogStore(3)
	for i := 0; i < 10; i++ {
		entry := &logrus.Entry{Time: time.Now(), Level: logrus.InfoLevel, Message: "m"}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("Fire returned error: %v", err)
		}
	}
	if got := len(store.snapshot()); got != 3 {
		t.Fatalf("expected 3 retained records, got %d", got)
	}
}

func TestLogStoreIgnoresEntriesAfterClose(t *testing.T) {
	store := newLogStore(3)
	store.close()
	entry := &logrus.Entry{Time: time.Now(), Level: logrus.InfoLevel, Message: "m"}
	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire returned error: %v", err)
	}
	if got := len(store.snapshot()); got != 0 {
		t.Fatalf("expected no records after close, got %d", got)
	}
}
