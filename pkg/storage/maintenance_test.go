package storage

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/rubiojr/shopsync/pkg/model"
)

func TestStatsAndMaintenance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, it := range []model.Item{
		{ID: "sku-1", ShopID: "shop-a", Name: "Mug", Stock: 5},
		{ID: "sku-2", ShopID: "shop-a", Name: "Cup", Stock: 1},
		{ID: "sku-1", ShopID: "shop-b", Name: "Mug", Stock: 9},
	} {
		if _, err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("create %s/%s: %v", it.ShopID, it.ID, err)
		}
	}
	rec := model.NotificationRecord{ID: "n1", UserID: "u1", Title: "Hi", Type: "info", Data: types.JSONText("null"), CreatedAt: 1}
	if err := s.SaveNotification(ctx, rec); err != nil {
		t.Fatalf("save notification: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Items != 3 || st.Shops != 2 || st.Notifications != 1 || st.Unread != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.SizeBytes <= 0 {
		t.Errorf("size = %d", st.SizeBytes)
	}

	for name, op := range map[string]func() error{
		"optimize":   s.Optimize,
		"analyze":    s.Analyze,
		"checkpoint": s.WALCheckpoint,
		"integrity":  s.IntegrityCheck,
		"vacuum":     s.Vacuum,
	} {
		if err := op(); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}
