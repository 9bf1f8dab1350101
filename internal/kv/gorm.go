package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is the row layout shared by every Gorm store.
type Entry struct {
	Namespace string    `gorm:"type:varchar(64);primaryKey"`
	Key       string    `gorm:"column:entry_key;type:varchar(255);primaryKey"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"index"`
}

// TableName returns the database table name for Entry.
func (Entry) TableName() string {
	return "kv_entries"
}

// Gorm is a durable Store keeping JSON values in the kv_entries table.
type Gorm[V any] struct {
	db        *gorm.DB
	namespace string
}

// NewGorm creates a store for one namespace. The kv_entries table must exist;
// repository.InitDB migrates it.
func NewGorm[V any](db *gorm.DB, namespace string) *Gorm[V] {
	return &Gorm[V]{db: db, namespace: namespace}
}

func (g *Gorm[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	var e Entry
	err := g.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", g.namespace, key).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("load %s/%s: %w", g.namespace, key, err)
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", g.namespace, key, err)
	}
	return v, true, nil
}

func (g *Gorm[V]) Set(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", g.namespace, key, err)
	}
	e := Entry{Namespace: g.namespace, Key: key, Value: raw, UpdatedAt: time.Now()}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", g.namespace, key, err)
	}
	return nil
}

func (g *Gorm[V]) Delete(ctx context.Context, key string) error {
	err := g.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", g.namespace, key).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", g.namespace, key, err)
	}
	return nil
}

func (g *Gorm[V]) List(ctx context.Context) ([]V, error) {
	var entries []Entry
	if err := g.db.WithContext(ctx).Where("namespace = ?", g.namespace).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", g.namespace, err)
	}
	out := make([]V, 0, len(entries))
	for _, e := range entries {
		var v V
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", g.namespace, e.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
