package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// NewDB creates a new database connection and runs migrations.
func NewDB(cfg *DBConfig) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // slog does the logging
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// One writer and a handful of history readers.
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	if err := Migrate(db, cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Migrate creates or updates the sensors, readings and alerts tables.
func Migrate(db *gorm.DB, logger *slog.Logger) error {
	logger.Info("running database migrations")

	if err := db.AutoMigrate(
		&SensorRecord{},
		&ReadingRecord{},
		&AlertRecord{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	logger.Info("database migrations completed successfully")
	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	logger.Info("database connection closed")
	return nil
}

// Postgres is a Gateway and SensorRegistry backed by gorm.
type Postgres struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewPostgres wraps an open database.
func NewPostgres(logger *slog.Logger, db *gorm.DB) (*Postgres, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Postgres{logger: logger, db: db}, nil
}

// WriteReading implements Gateway.
func (p *Postgres) WriteReading(ctx context.Context, r *reading.SensorReading) (string, error) {
	rec := newReadingRecord(r)
	if err := p.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", &PersistenceError{Op: OpWriteReading, Err: err}
	}
	return strconv.FormatUint(uint64(rec.ID), 10), nil
}

// WriteAlert implements Gateway.
func (p *Postgres) WriteAlert(ctx context.Context, e *alert.Event) (string, error) {
	rec := newAlertRecord(e)
	if err := p.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", &PersistenceError{Op: OpWriteAlert, Err: err}
	}
	return strconv.FormatUint(uint64(rec.ID), 10), nil
}

// Readings implements Gateway.
func (p *Postgres) Readings(ctx context.Context, q Query) ([]*reading.SensorReading, error) {
	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryReadings, Err: err}
	}

	var recs []ReadingRecord
	if err := p.scope(ctx, q).Find(&recs).Error; err != nil {
		return nil, &PersistenceError{Op: OpQueryReadings, Err: err}
	}

	out := make([]*reading.SensorReading, len(recs))
	for i := range recs {
		out[i] = recs[i].toReading()
	}
	return out, nil
}

// Alerts implements Gateway.
func (p *Postgres) Alerts(ctx context.Context, q Query) ([]alert.Event, error) {
	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryAlerts, Err: err}
	}

	var recs []AlertRecord
	if err := p.scope(ctx, q).Find(&recs).Error; err != nil {
		return nil, &PersistenceError{Op: OpQueryAlerts, Err: err}
	}

	out := make([]alert.Event, len(recs))
	for i := range recs {
		out[i] = recs[i].toEvent()
	}
	return out, nil
}

func (p *Postgres) scope(ctx context.Context, q Query) *gorm.DB {
	tx := p.db.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", q.Start.UTC(), q.End.UTC())
	if q.SensorID != "" {
		tx = tx.Where("sensor_id = ?", q.SensorID)
	}
	// id breaks ties between readings stamped in the same instant.
	return tx.Order("timestamp DESC").Order("id DESC").Limit(q.Limit)
}

// EnsureSensor implements SensorRegistry.
func (p *Postgres) EnsureSensor(ctx context.Context, s Sensor) (*Sensor, error) {
	if s.ID == "" {
		return nil, &PersistenceError{Op: OpEnsureSensor, Err: errors.New("sensor id cannot be empty")}
	}

	rec := &SensorRecord{ID: s.ID, Name: s.Name, Location: s.Location}
	result := p.db.WithContext(ctx).
		Where("id = ?", s.ID).
		Assign(map[string]interface{}{
			"name":     s.Name,
			"location": s.Location,
		}).
		FirstOrCreate(rec)
	if result.Error != nil {
		return nil, &PersistenceError{Op: OpEnsureSensor, Err: result.Error}
	}

	p.logger.Info("sensor registered", "sensor_id", rec.ID, "name", rec.Name)
	return &Sensor{ID: rec.ID, Name: rec.Name, Location: rec.Location, CreatedAt: rec.CreatedAt}, nil
}

// Close implements Gateway.
func (p *Postgres) Close() error {
	return CloseDB(p.db, p.logger)
}
