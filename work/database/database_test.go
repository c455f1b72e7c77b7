package database

import (
	"path/filepath"
	"testing"

	"flyx-proxy/work/logger"
	"flyx-proxy/work/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "flyx.db"), logger.New("ERROR"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAccount(t *testing.T, db *DB, mac string, streamLimit, priority int) int64 {
	t.Helper()
	id, err := db.SaveAccount(&types.Account{
		PortalURL:   "http://portal.test/c/",
		MACAddress:  mac,
		StreamLimit: streamLimit,
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("save account: %v", err)
	}
	return id
}

func seedMapping(t *testing.T, db *DB, channel string, accountID int64, active bool) int64 {
	t.Helper()
	id, err := db.SaveMapping(&types.ChannelMapping{
		InternalChannelID: channel,
		AccountID:         accountID,
		PortalChannelID:   "101",
		PortalChannelName: "Test One",
		PortalChannelCmd:  "ffmpeg http://portal.test/ch/101",
		IsActive:          active,
	})
	if err != nil {
		t.Fatalf("save mapping: %v", err)
	}
	return id
}

func TestCandidatesExcludeFullAccounts(t *testing.T) {
	db := openTestDB(t)

	spare := seedAccount(t, db, "00:1A:79:00:00:01", 2, 10)
	full := seedAccount(t, db, "00:1A:79:00:00:02", 1, 20)
	seedMapping(t, db, "sports1", spare, true)
	seedMapping(t, db, "sports1", full, true)

	if err := db.AdjustActiveStreams(full, 1); err != nil {
		t.Fatal(err)
	}

	candidates, err := db.CandidatesForChannel("sports1")
	if err != nil {
		t.Fatalf("CandidatesForChannel: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("account at its stream limit not excluded, got %d candidates", len(candidates))
	}
	if candidates[0].Account.ID != spare {
		t.Fatalf("wrong account survived the capacity filter: %d", candidates[0].Account.ID)
	}

	// freeing the slot brings the account back
	if err := db.AdjustActiveStreams(full, -1); err != nil {
		t.Fatal(err)
	}
	candidates, err = db.CandidatesForChannel("sports1")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected both accounts with spare capacity, got %d", len(candidates))
	}
}

func TestAdjustActiveStreamsClampsAtZero(t *testing.T) {
	db := openTestDB(t)
	id := seedAccount(t, db, "00:1A:79:00:00:03", 1, 0)

	if err := db.AdjustActiveStreams(id, -5); err != nil {
		t.Fatal(err)
	}
	account, err := db.GetAccount(id)
	if err != nil {
		t.Fatal(err)
	}
	if account.ActiveStreams != 0 {
		t.Fatalf("counter went below zero: %d", account.ActiveStreams)
	}
}

func TestCandidatesExcludeInactiveMappingsAndAccounts(t *testing.T) {
	db := openTestDB(t)

	healthy := seedAccount(t, db, "00:1A:79:00:00:04", 2, 0)
	errored := seedAccount(t, db, "00:1A:79:00:00:05", 2, 0)
	kept := seedMapping(t, db, "news1", healthy, true)
	seedMapping(t, db, "news1", healthy, false)
	seedMapping(t, db, "news1", errored, true)

	if err := db.SetAccountStatus(errored, types.AccountStatusError); err != nil {
		t.Fatal(err)
	}

	candidates, err := db.CandidatesForChannel("news1")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected only the active mapping on the active account, got %d", len(candidates))
	}
	if candidates[0].Mapping.ID != kept {
		t.Fatalf("wrong mapping survived the filters: %d", candidates[0].Mapping.ID)
	}
}

func TestRecordMappingCountersPersist(t *testing.T) {
	db := openTestDB(t)

	account := seedAccount(t, db, "00:1A:79:00:00:06", 2, 0)
	mapping := seedMapping(t, db, "movies1", account, true)

	if err := db.RecordMappingFailure(mapping); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordMappingFailure(mapping); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordMappingSuccess(mapping, account); err != nil {
		t.Fatal(err)
	}

	mappings, err := db.ListMappings("movies1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(mappings))
	}
	m := mappings[0]
	if m.SuccessCount != 1 || m.FailureCount != 2 {
		t.Fatalf("counters not persisted, got %d successes / %d failures", m.SuccessCount, m.FailureCount)
	}
	if m.LastUsedAt == nil {
		t.Fatal("success did not stamp the mapping's last_used_at")
	}

	reloaded, err := db.GetAccount(account)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.TotalUsageCount != 1 {
		t.Fatalf("account usage count not persisted: %d", reloaded.TotalUsageCount)
	}
	if reloaded.LastUsedAt == nil {
		t.Fatal("account last_used_at not stamped")
	}
}
