package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"socks-fleet/pkg/model"
)

// MySQLStore keeps the catalog in MySQL through gorm, for deployments where
// the discovery job and the manager do not share a filesystem.
type MySQLStore struct {
	db  *gorm.DB
	log logs.Log
}

// OpenMySQL connects and migrates the tor_nodes table, creating the database if missing.
func OpenMySQL(dsn string, log logs.Log) (*MySQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createDatabase(dsn); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		db, err = gorm.Open(mysql.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&model.NodeRecord{}); err != nil {
		return nil, err
	}
	return &MySQLStore{db: db, log: log}, nil
}

func (s *MySQLStore) RandomNode(ctx context.Context, geo model.GeoCategory) (model.NodeRecord, bool, error) {
	var nodes []model.NodeRecord
	err := s.db.WithContext(ctx).
		Where("geo_category = ?", string(geo)).
		Order("RAND()").
		Limit(1).
		Find(&nodes).Error
	if err != nil {
		return model.NodeRecord{}, false, fmt.Errorf("select random node: %w", err)
	}
	if len(nodes) == 0 {
		return model.NodeRecord{}, false, nil
	}
	return nodes[0], true, nil
}

func (s *MySQLStore) CountByCategory(ctx context.Context) (map[model.GeoCategory]int, error) {
	var rows []struct {
		GeoCategory string
		Count       int
	}
	err := s.db.WithContext(ctx).
		Model(&model.NodeRecord{}).
		Select("geo_category, COUNT(*) AS count").
		Group("geo_category").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	out := make(map[model.GeoCategory]int, len(rows))
	for _, r := range rows {
		out[model.GeoCategory(r.GeoCategory)] = r.Count
	}
	return out, nil
}

func (s *MySQLStore) ReplaceNodes(ctx context.Context, nodes []model.NodeRecord) (int, error) {
	nodes = dedupe(nodes, s.log)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.NodeRecord{}).Error; err != nil {
			return fmt.Errorf("clear nodes: %w", err)
		}
		if len(nodes) == 0 {
			return nil
		}
		return tx.CreateInBatches(nodes, 500).Error
	})
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func createDatabase(dsn string) error {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return err
	}
	dbname := cfg.DBName
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}
