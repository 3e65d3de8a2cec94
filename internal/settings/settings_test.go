package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	dbpkg "github.com/router-for-me/QuotaLimits/internal/db"
)

func TestParseDBConfigInt(t *testing.T) {
	cases := map[string]int{
		`5`:             5,
		`5.0`:           5,
		`" 12 "`:        12,
		`{"value":"7"}`: 7,
	}
	for raw, want := range cases {
		got, ok := parseDBConfigInt(json.RawMessage(raw))
		if !ok || got != want {
			t.Fatalf("parse %s: expected %d, got %d (ok=%v)", raw, want, got, ok)
		}
	}
	for _, raw := range []string{``, `5.5`, `"abc"`, `true`} {
		if _, ok := parseDBConfigInt(json.RawMessage(raw)); ok {
			t.Fatalf("parse %s: expected failure", raw)
		}
	}
}

func TestParseDBConfigString(t *testing.T) {
	if got, ok := parseDBConfigString(json.RawMessage(`" REJECT "`)); !ok || got != "REJECT" {
		t.Fatalf("unexpected %q %v", got, ok)
	}
	if got, ok := parseDBConfigString(json.RawMessage(`{"value":"USE_DEFAULT"}`)); !ok || got != "USE_DEFAULT" {
		t.Fatalf("unexpected %q %v", got, ok)
	}
	if _, ok := parseDBConfigString(json.RawMessage(`""`)); ok {
		t.Fatalf("expected blank string to be ignored")
	}
}

func TestSaveDBConfigValueRefreshesSnapshot(t *testing.T) {
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	ctx := context.Background()
	if errSave := SaveDBConfigValue(ctx, conn, LimitsMissBehaviorKey, json.RawMessage(`"REJECT"`)); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if got, ok := DBConfigString(LimitsMissBehaviorKey); !ok || got != "REJECT" {
		t.Fatalf("expected REJECT, got %q (ok=%v)", got, ok)
	}

	if errSave := SaveDBConfigValue(ctx, conn, LimitsMissBehaviorKey, json.RawMessage(`"USE_DEFAULT"`)); errSave != nil {
		t.Fatalf("save again: %v", errSave)
	}
	if got, _ := DBConfigString(LimitsMissBehaviorKey); got != "USE_DEFAULT" {
		t.Fatalf("expected overwrite, got %q", got)
	}

	if errSave := SaveDBConfigValue(ctx, conn, LedgerRetentionDaysKey, json.RawMessage(`{`)); errSave == nil {
		t.Fatalf("expected invalid json to be rejected")
	}
}

func TestStoreDBConfigKeepsKnownKeysOnly(t *testing.T) {
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })
	stamp := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.FixedZone("x", 3600))

	StoreDBConfig(stamp, map[string]json.RawMessage{
		" " + LimitsSweepBatchSizeKey + " ": json.RawMessage(`"40"`),
		LedgerRetentionDaysKey:              json.RawMessage(`"soon"`),
		LimitsMissBehaviorKey:               json.RawMessage(`{"value":" REJECT "}`),
		"SOMETHING_ELSE":                    json.RawMessage(`1`),
	})

	if !DBConfigUpdatedAt().Equal(stamp) || DBConfigUpdatedAt().Location() != time.UTC {
		t.Fatalf("expected UTC update time, got %v", DBConfigUpdatedAt())
	}
	if n, ok := DBConfigInt(LimitsSweepBatchSizeKey); !ok || n != 40 {
		t.Fatalf("expected batch size 40, got %d (ok=%v)", n, ok)
	}
	if _, ok := DBConfigInt(LedgerRetentionDaysKey); ok {
		t.Fatalf("non-numeric retention should not decode")
	}
	if raw, ok := DBConfigValue(LedgerRetentionDaysKey); !ok || string(raw) != `"soon"` {
		t.Fatalf("raw value should stay visible, got %s (ok=%v)", raw, ok)
	}
	if s, ok := DBConfigString(LimitsMissBehaviorKey); !ok || s != "REJECT" {
		t.Fatalf("expected REJECT, got %q (ok=%v)", s, ok)
	}
	if _, ok := DBConfigValue("SOMETHING_ELSE"); ok {
		t.Fatalf("unknown key should be dropped")
	}
}

func TestSaveDBConfigValueRejectsUnknownKey(t *testing.T) {
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errSave := SaveDBConfigValue(context.Background(), conn, "SOMETHING_ELSE", json.RawMessage(`1`)); errSave == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}
