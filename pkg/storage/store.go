package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rubiojr/shopsync/pkg/db"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/model"
)

// duplicate marks primary key collisions with model.ErrAlreadyExists.
func duplicate(err error) error {
	if errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) || errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) {
		return fmt.Errorf("%w: %w", model.ErrAlreadyExists, err)
	}
	return err
}

// Store is the shop database. It persists items, stock history, orders and
// notifications, and publishes a change event on its Feed after every
// successful write.
type Store struct {
	db     *sqlx.DB
	feed   *Feed
	logger *log.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the SQLite database at dbPath and applies
// pending migrations. A nil feed gets a private one.
func Open(dbPath string, feed *Feed) (*Store, error) {
	s, err := OpenWithoutMigrations(dbPath, feed)
	if err != nil {
		return nil, err
	}
	if err := db.InitializeDatabase(s.db.DB); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// OpenWithoutMigrations opens the database as-is. Used by the migrate
// command to report status before applying anything.
func OpenWithoutMigrations(dbPath string, feed *Feed) (*Store, error) {
	conn, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if feed == nil {
		feed = NewFeed(0)
	}
	return &Store{
		db:     conn,
		feed:   feed,
		logger: log.ForService("storage"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for migrations and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Feed returns the change stream of this store.
func (s *Store) Feed() *Feed { return s.feed }

func (s *Store) publish(table string, op model.ChangeOp, shopID, userID string, record any) {
	evt, err := model.NewChangeEvent(table, op, shopID, userID, record)
	if err != nil {
		s.logger.Errorf("encoding %s change: %v", table, err)
		return
	}
	if dropped := s.feed.Publish(evt); dropped > 0 {
		s.logger.Debugf("%s %s change dropped by %d slow subscribers", table, op, dropped)
	}
}

// Items ----------------------------------------------------------------------

// CreateItem inserts a new item with its initial stock. Initial stock is not
// a ledger mutation; callers that need an audit row for it adjust from zero.
func (s *Store) CreateItem(ctx context.Context, item model.Item) (*model.Item, error) {
	if item.Stock < 0 {
		return nil, fmt.Errorf("item %s: initial stock %d is negative", item.ID, item.Stock)
	}
	item.UpdatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO items (id, shop_id, name, stock, updated_at)
		VALUES (:id, :shop_id, :name, :stock, :updated_at)`, item)
	if err != nil {
		return nil, fmt.Errorf("inserting item %s: %w", item.ID, duplicate(err))
	}
	s.publish(model.TableItems, model.OpInsert, item.ShopID, "", item)
	return &item, nil
}

// GetItem returns the item of shopID, or model.ErrNotFound.
func (s *Store) GetItem(ctx context.Context, shopID, itemID string) (*model.Item, error) {
	var item model.Item
	err := s.db.GetContext(ctx, &item,
		`SELECT id, shop_id, name, stock, updated_at FROM items WHERE shop_id = ? AND id = ?`, shopID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s in shop %s: %w", itemID, shopID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying item %s: %w", itemID, err)
	}
	return &item, nil
}

// ListItems returns the items of a shop ordered by id.
func (s *Store) ListItems(ctx context.Context, shopID string) ([]model.Item, error) {
	items := []model.Item{}
	err := s.db.SelectContext(ctx, &items,
		`SELECT id, shop_id, name, stock, updated_at FROM items WHERE shop_id = ? ORDER BY id`, shopID)
	if err != nil {
		return nil, fmt.Errorf("listing items of shop %s: %w", shopID, err)
	}
	return items, nil
}

// Stock ledger ---------------------------------------------------------------

// Stock returns the current stock of an item, scoped by shop.
func (s *Store) Stock(ctx context.Context, shopID, itemID string) (int64, error) {
	var stock int64
	err := s.db.GetContext(ctx, &stock, `SELECT stock FROM items WHERE shop_id = ? AND id = ?`, shopID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("item %s in shop %s: %w", itemID, shopID, model.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading stock of %s: %w", itemID, err)
	}
	return stock, nil
}

// CompareAndSetStock writes next only if the stored stock still equals
// expected. It reports whether the write happened.
func (s *Store) CompareAndSetStock(ctx context.Context, shopID, itemID string, expected, next int64) (bool, error) {
	if next < 0 {
		return false, fmt.Errorf("refusing to store negative stock %d for %s", next, itemID)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET stock = ?, updated_at = ? WHERE shop_id = ? AND id = ? AND stock = ?`,
		next, now, shopID, itemID, expected)
	if err != nil {
		return false, fmt.Errorf("updating stock of %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating stock of %s: %w", itemID, err)
	}
	if n == 0 {
		return false, nil
	}
	s.publish(model.TableItems, model.OpUpdate, shopID, "", map[string]any{
		"id":        itemID,
		"shopId":    shopID,
		"stock":     next,
		"previous":  expected,
		"updatedAt": now,
	})
	return true, nil
}

// AppendHistory inserts one audit row. Rows are never updated or deleted.
func (s *Store) AppendHistory(ctx context.Context, entry model.StockHistoryEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO stock_history (id, item_id, shop_id, change, new_stock, reason, changed_by, created_at)
		VALUES (:id, :item_id, :shop_id, :change, :new_stock, :reason, :changed_by, :created_at)`, entry)
	if err != nil {
		return fmt.Errorf("appending stock history for %s: %w", entry.ItemID, err)
	}
	s.publish(model.TableStockHistory, model.OpInsert, entry.ShopID, "", entry)
	return nil
}

// History returns the audit rows of an item, newest first. limit <= 0
// returns every row.
func (s *Store) History(ctx context.Context, shopID, itemID string, limit int) ([]model.StockHistoryEntry, error) {
	query := `SELECT id, item_id, shop_id, change, new_stock, reason, changed_by, created_at
		FROM stock_history WHERE shop_id = ? AND item_id = ? ORDER BY rowid DESC`
	args := []any{shopID, itemID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	entries := []model.StockHistoryEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("querying stock history of %s: %w", itemID, err)
	}
	return entries, nil
}

// Movements sums the history changes of a shop per item, over the rows whose
// reason is one of reasons. Items without matching rows are absent.
func (s *Store) Movements(ctx context.Context, shopID string, reasons ...string) (map[string]int64, error) {
	net := map[string]int64{}
	if len(reasons) == 0 {
		return net, nil
	}
	query, args, err := sqlx.In(`SELECT item_id, SUM(change) AS net FROM stock_history
		WHERE shop_id = ? AND reason IN (?) GROUP BY item_id`, shopID, reasons)
	if err != nil {
		return nil, fmt.Errorf("building movements query: %w", err)
	}
	var rows []struct {
		ItemID string `db:"item_id"`
		Net    int64  `db:"net"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying movements of shop %s: %w", shopID, err)
	}
	for _, r := range rows {
		net[r.ItemID] = r.Net
	}
	return net, nil
}

// Orders ---------------------------------------------------------------------

// CreateOrder stores an order and its lines in one transaction.
func (s *Store) CreateOrder(ctx context.Context, order model.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				s.logger.Warnf("failed to rollback order %s: %v", order.ID, err)
			}
		}
	}()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO orders (id, shop_id, status, created_by, created_at)
		VALUES (:id, :shop_id, :status, :created_by, :created_at)`, order); err != nil {
		return fmt.Errorf("inserting order %s: %w", order.ID, duplicate(err))
	}
	for _, line := range order.Lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_lines (order_id, product_id, quantity) VALUES (?, ?, ?)`,
			order.ID, line.ProductID, line.Quantity); err != nil {
			return fmt.Errorf("inserting line %s of order %s: %w", line.ProductID, order.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing order %s: %w", order.ID, err)
	}
	committed = true

	s.publish(model.TableOrders, model.OpInsert, order.ShopID, "", order)
	return nil
}

// GetOrder returns an order with its lines, or model.ErrNotFound.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := s.db.GetContext(ctx, &order,
		`SELECT id, shop_id, status, created_by, created_at FROM orders WHERE id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying order %s: %w", orderID, err)
	}
	if err := s.db.SelectContext(ctx, &order.Lines,
		`SELECT product_id, quantity FROM order_lines WHERE order_id = ? ORDER BY rowid`, orderID); err != nil {
		return nil, fmt.Errorf("querying lines of order %s: %w", orderID, err)
	}
	return &order, nil
}

// SetOrderStatus updates the status of an order.
func (s *Store) SetOrderStatus(ctx context.Context, orderID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, status, orderID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	s.publish(model.TableOrders, model.OpUpdate, order.ShopID, "", order)
	return nil
}

// Notifications --------------------------------------------------------------

// SaveNotification inserts a notification row.
func (s *Store) SaveNotification(ctx context.Context, rec model.NotificationRecord) error {
	if len(rec.Data) == 0 {
		rec.Data = types.JSONText("null")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type, is_read, action_url, data, created_at)
		VALUES (:id, :user_id, :title, :message, :type, :is_read, :action_url, :data, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("inserting notification %s: %w", rec.ID, err)
	}
	s.publish(model.TableNotifications, model.OpInsert, "", rec.UserID, rec)
	return nil
}

// ListNotifications returns up to limit notifications of userID, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	recs := []model.NotificationRecord{}
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, user_id, title, message, type, is_read, action_url, data, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications of %s: %w", userID, err)
	}
	return recs, nil
}

func (s *Store) getNotification(ctx context.Context, userID, id string) (*model.NotificationRecord, error) {
	var rec model.NotificationRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT id, user_id, title, message, type, is_read, action_url, data, created_at
		FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification %s: %w", id, err)
	}
	return &rec, nil
}

// MarkNotificationRead sets is_read on one notification of userID.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	rec, err := s.getNotification(ctx, userID, id)
	if err != nil {
		return err
	}
	s.publish(model.TableNotifications, model.OpUpdate, "", userID, rec)
	return nil
}

// MarkAllNotificationsRead sets is_read on every unread notification of userID.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM notifications WHERE user_id = ? AND is_read = 0`, userID); err != nil {
		return fmt.Errorf("listing unread notifications of %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID); err != nil {
		return fmt.Errorf("marking notifications of %s read: %w", userID, err)
	}
	for _, id := range ids {
		s.publish(model.TableNotifications, model.OpUpdate, "", userID, map[string]any{
			"id":      id,
			"user_id": userID,
			"is_read": true,
		})
	}
	return nil
}

// DeleteNotification removes one notification of userID.
func (s *Store) DeleteNotification(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("deleting notification %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	s.publish(model.TableNotifications, model.OpDelete, "", userID, map[string]any{"id": id, "user_id": userID})
	return nil
}

// DeleteAllNotifications removes every notification of userID.
func (s *Store) DeleteAllNotifications(ctx context.Context, userID string) error {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM notifications WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("listing notifications of %s: %w", userID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting notifications of %s: %w", userID, err)
	}
	for _, id := range ids {
		s.publish(model.TableNotifications, model.OpDelete, "", userID, map[string]any{"id": id, "user_id": userID})
	}
	return nil
}
