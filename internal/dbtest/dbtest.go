// Package dbtest opens throwaway sqlite databases with the full schema for
// package tests.
package dbtest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
)

// New returns a client backed by a file database under t.TempDir(). Writers
// take the lock at BEGIN so concurrent transactions queue instead of failing.
func New(t testing.TB) *db.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storefront.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_txlock=immediate&_foreign_keys=1", path)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := migrate.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	client := db.Wrap(conn)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// SeedProduct inserts an active product with the given stock.
func SeedProduct(t testing.TB, conn *gorm.DB, sellerID uuid.UUID, name string, price string, stock int) models.Product {
	t.Helper()
	product := models.Product{
		SellerID: sellerID,
		Name:     name,
		Price:    decimal.RequireFromString(price),
		IsActive: true,
	}
	if err := conn.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	inv := models.InventoryItem{ProductID: product.ID, StockQty: stock}
	if err := conn.Create(&inv).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return product
}

// SeedAddress inserts an address owned by userID.
func SeedAddress(t testing.TB, conn *gorm.DB, userID uuid.UUID) models.Address {
	t.Helper()
	addr := models.Address{
		UserID:     userID,
		Name:       "Asha Rao",
		Phone:      "+919800000000",
		Line1:      "12 MG Road",
		City:       "Bengaluru",
		State:      "KA",
		PostalCode: "560001",
		Country:    "IN",
	}
	if err := conn.Create(&addr).Error; err != nil {
		t.Fatalf("seed address: %v", err)
	}
	return addr
}

// Inventory reads the current inventory row for productID.
func Inventory(t testing.TB, conn *gorm.DB, productID uuid.UUID) models.InventoryItem {
	t.Helper()
	var inv models.InventoryItem
	if err := conn.First(&inv, "product_id = ?", productID).Error; err != nil {
		t.Fatalf("load inventory: %v", err)
	}
	return inv
}

// Count returns the number of rows in model matching the optional condition.
func Count(t testing.TB, conn *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := conn.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
