package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestAccountCreateValidation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	tests := []struct {
		name    string
		acc     models.Account
		wantErr bool
	}{
		{"naver", models.Account{Provider: provider.Naver, LoginID: "user1"}, false},
		{"daum email", models.Account{Provider: provider.Daum, LoginID: "user@daum.net"}, false},
		{"daum without email", models.Account{Provider: provider.Daum, LoginID: "user"}, true},
		{"unknown provider", models.Account{Provider: "kakao", LoginID: "user"}, true},
		{"empty login", models.Account{Provider: provider.Naver}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := tt.acc
			err := repo.Create(ctx, &acc)
			if (err != nil) != tt.wantErr {
				t.Errorf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAccountDuplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.Account{Provider: provider.Naver, LoginID: "same"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := repo.Create(ctx, &models.Account{Provider: provider.Naver, LoginID: "same"})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestAccountSetActiveIsExclusive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	a := &models.Account{Provider: provider.Naver, LoginID: "a", IsActive: true}
	b := &models.Account{Provider: provider.Daum, LoginID: "b@daum.net"}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	if err := repo.SetActive(ctx, b.ID); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}

	active, err := repo.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active == nil || active.ID != b.ID {
		t.Fatalf("expected %s active, got %+v", b.ID, active)
	}

	gotA, _ := repo.Get(ctx, a.ID)
	if gotA.IsActive {
		t.Error("previous account should be deactivated")
	}

	if err := repo.SetActive(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountGetActiveNone(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db.DB)

	active, err := repo.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active account, got %+v", active)
	}
}

func TestAccountDailyCounters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	today := models.Today(time.Date(2024, 5, 2, 9, 0, 0, 0, time.Local))
	yesterday := models.Today(time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local))

	x := &models.Account{Provider: provider.Naver, LoginID: "x"}
	y := &models.Account{Provider: provider.Naver, LoginID: "y"}
	repo.Create(ctx, x)
	repo.Create(ctx, y)

	if err := repo.SetDailyCount(ctx, x.ID, 50, today); err != nil {
		t.Fatalf("SetDailyCount failed: %v", err)
	}
	if err := repo.SetDailyCount(ctx, y.ID, 37, yesterday); err != nil {
		t.Fatalf("SetDailyCount failed: %v", err)
	}

	n, err := repo.ResetStaleCounters(ctx, today)
	if err != nil {
		t.Fatalf("ResetStaleCounters failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset, got %d", n)
	}

	gotX, _ := repo.Get(ctx, x.ID)
	if gotX.DailySentCount != 50 || gotX.SentCountDate != today {
		t.Errorf("x = %d/%s, want 50/%s", gotX.DailySentCount, gotX.SentCountDate, today)
	}
	gotY, _ := repo.Get(ctx, y.ID)
	if gotY.DailySentCount != 0 || gotY.SentCountDate != today {
		t.Errorf("y = %d/%s, want 0/%s", gotY.DailySentCount, gotY.SentCountDate, today)
	}

	if err := repo.SetDailyCount(ctx, "missing", 1, today); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountListByProvider(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	repo.Create(ctx, &models.Account{Provider: provider.Naver, LoginID: "n1"})
	repo.Create(ctx, &models.Account{Provider: provider.Daum, LoginID: "d1@daum.net"})
	repo.Create(ctx, &models.Account{Provider: provider.Naver, LoginID: "n2"})

	naver, err := repo.ListByProvider(ctx, provider.Naver)
	if err != nil {
		t.Fatalf("ListByProvider failed: %v", err)
	}
	if len(naver) != 2 {
		t.Fatalf("expected 2 naver accounts, got %d", len(naver))
	}
	for _, a := range naver {
		if a.Provider != provider.Naver {
			t.Errorf("unexpected provider %s", a.Provider)
		}
	}

	all, _ := repo.List(ctx)
	if len(all) != 3 {
		t.Errorf("expected 3 accounts, got %d", len(all))
	}
}

func TestMemberCreateDuplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMemberRepository(db.DB)
	ctx := context.Background()

	m := &models.Member{CafeID: "c1", Nickname: "nick", MemberKey: "key-1", WriteDate: time.Now()}
	if err := repo.Create(ctx, m); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := repo.Create(ctx, &models.Member{CafeID: "c2", Nickname: "other", MemberKey: "key-1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	found, err := repo.FindByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if found == nil || found.Nickname != "nick" {
		t.Errorf("unexpected member: %+v", found)
	}

	missing, err := repo.FindByKey(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("FindByKey(nope) = %+v, %v", missing, err)
	}
}

func TestMemberKnownKeysAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMemberRepository(db.DB)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		cafe := "c1"
		if i == 2 {
			cafe = "c2"
		}
		if err := repo.Create(ctx, &models.Member{CafeID: cafe, Nickname: "n" + key, MemberKey: key}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := repo.KnownKeys(ctx)
	if err != nil {
		t.Fatalf("KnownKeys failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 keys, got %d", len(keys))
	}
	if _, ok := keys["b"]; !ok {
		t.Error("expected key b")
	}

	c1, _ := repo.List(ctx, models.MemberFilter{CafeID: "c1"})
	if len(c1) != 2 {
		t.Errorf("expected 2 members in c1, got %d", len(c1))
	}

	page, _ := repo.List(ctx, models.MemberFilter{Limit: 1, Offset: 1})
	if len(page) != 1 {
		t.Errorf("expected 1 member in page, got %d", len(page))
	}

	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	all, _ := repo.ListAll(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 members after delete, got %d", len(all))
	}
}

func TestCafeRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCafeRepository(db.DB)
	ctx := context.Background()

	naver := &models.Cafe{Name: "n", URL: "https://cafe.naver.com/f-e/cafes/1/menus/2", IsActive: true}
	daum := &models.Cafe{Name: "d", URL: "https://cafe.daum.net/dogs/Ab", IsActive: true}
	off := &models.Cafe{Name: "off", URL: "https://cafe.naver.com/f-e/cafes/3/menus/4"}

	for _, c := range []*models.Cafe{naver, daum, off} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if daum.Provider != provider.Daum {
		t.Errorf("expected detected provider daum, got %s", daum.Provider)
	}

	active, err := repo.List(ctx, provider.Naver, true)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != naver.ID {
		t.Errorf("expected only the active naver cafe, got %d", len(active))
	}

	if err := repo.SetActive(ctx, off.ID, true); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	active, _ = repo.List(ctx, provider.Naver, true)
	if len(active) != 2 {
		t.Errorf("expected 2 active naver cafes, got %d", len(active))
	}

	if err := repo.Create(ctx, &models.Cafe{URL: naver.URL}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestTemplateRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTemplateRepository(db.DB)
	ctx := context.Background()

	tpl := &models.Template{Name: "welcome", Body: "hello"}
	if err := repo.Create(ctx, tpl); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byID, err := repo.Get(ctx, tpl.ID)
	if err != nil || byID.Body != "hello" {
		t.Fatalf("Get by id = %+v, %v", byID, err)
	}
	byName, err := repo.Get(ctx, "welcome")
	if err != nil || byName.ID != tpl.ID {
		t.Fatalf("Get by name = %+v, %v", byName, err)
	}

	tpl.Body = "updated"
	if err := repo.Update(ctx, tpl); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := repo.Get(ctx, tpl.ID)
	if got.Body != "updated" {
		t.Errorf("Body = %q, want updated", got.Body)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Create(ctx, &models.Template{Name: "x"}); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestMemberRemember(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMemberRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.Member{CafeID: "c1", Nickname: "old", MemberKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	created, err := repo.Remember(ctx, []*models.Member{
		{CafeID: "c1", Nickname: "dup", MemberKey: "k1", Sent: true},
		{CafeID: "c1", Nickname: "new", MemberKey: "k2"},
		{CafeID: "c2", Nickname: "again", MemberKey: "k2"},
	})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	k1, _ := repo.FindByKey(ctx, "k1")
	if k1 == nil || k1.Nickname != "old" || !k1.Sent {
		t.Errorf("k1 = %+v, want original nickname marked sent", k1)
	}
	k2, _ := repo.FindByKey(ctx, "k2")
	if k2 == nil || k2.CafeID != "c1" || k2.Sent {
		t.Errorf("k2 = %+v", k2)
	}

	if _, err := repo.Remember(ctx, []*models.Member{{CafeID: "c1"}}); err == nil {
		t.Error("expected error for a member without key")
	}
}

func TestMemberSetSent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMemberRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.Member{CafeID: "c1", MemberKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetSent(ctx, "k1", true); err != nil {
		t.Fatalf("SetSent failed: %v", err)
	}
	m, _ := repo.FindByKey(ctx, "k1")
	if !m.Sent {
		t.Error("expected sent flag")
	}

	if err := repo.SetSent(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetSent(missing) error = %v, want ErrNotFound", err)
	}
}
