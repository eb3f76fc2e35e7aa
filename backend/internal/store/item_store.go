package store

import (
	"context"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// ItemField：条目上一个可编辑字段的登记行。
// 实体 CRUD 归别的服务管，这里只读，用来挡住陈旧客户端
// 往不存在的字段上发操作。
type ItemField struct {
	ID     uint64 `gorm:"primaryKey"`
	ItemID string `gorm:"column:item_id;index:idx_item_field"`
	Name   string `gorm:"column:name;index:idx_item_field"`
}

func (ItemField) TableName() string { return "item_fields" }

type ItemStore struct {
	db *gorm.DB
}

func NewItemStore(db *gorm.DB) *ItemStore {
	return &ItemStore{db: db}
}

// FieldExists 实现 collab.FieldCatalog。
func (s *ItemStore) FieldExists(ctx context.Context, itemID, field string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&ItemField{}).
		Where("item_id = ? AND name = ?", itemID, field).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
