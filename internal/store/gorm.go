package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/luciancaetano/kephaslink"
)

// PlayerRecord is the table row of a snapshot.
type PlayerRecord struct {
	GuildID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Node      string `gorm:"size:128"`
	Snapshot  string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (PlayerRecord) TableName() string { return "kephaslink_players" }

// Gorm stores snapshots in a SQL table.
type Gorm struct {
	db *gorm.DB
}

// NewGorm migrates the snapshot table and returns a store on db.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&PlayerRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate player table: %w", err)
	}
	return &Gorm{db: db}, nil
}

// OpenMySQL opens a pooled MySQL connection for NewGorm.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func (s *Gorm) Save(ctx context.Context, snapshot kephaslink.PlayerSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
	}

	record := PlayerRecord{GuildID: uint64(snapshot.GuildID), Node: snapshot.Node, Snapshot: string(data)}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snapshot.GuildID, err)
	}
	return nil
}

func (s *Gorm) Delete(ctx context.Context, guildID snowflake.ID) error {
	if err := s.db.WithContext(ctx).Delete(&PlayerRecord{}, uint64(guildID)).Error; err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", guildID, err)
	}
	return nil
}

// List returns the stored snapshots ordered by guild id. Rows that fail to
// decode are skipped.
func (s *Gorm) List(ctx context.Context) ([]kephaslink.PlayerSnapshot, error) {
	var records []PlayerRecord
	if err := s.db.WithContext(ctx).Order("guild_id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]kephaslink.PlayerSnapshot, 0, len(records))
	for _, r := range records {
		var snapshot kephaslink.PlayerSnapshot
		if err := json.Unmarshal([]byte(r.Snapshot), &snapshot); err != nil {
			continue
		}
		snapshot.GuildID = snowflake.ID(r.GuildID)
		out = append(out, snapshot)
	}
	return out, nil
}

var _ kephaslink.PlayerStore = (*Gorm)(nil)
