package archive

import (
	"fmt"
	"net/url"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"main/internal/ops"
	"main/internal/vol"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// CalibrationRecord is one calibration attempt, kept for operator
// review of model drift.
type CalibrationRecord struct {
	ID            uint64 `gorm:"primaryKey"`
	RecordedAt    time.Time
	Omega         float64
	Alpha         float64
	Beta          float64
	Converged     bool
	Accepted      bool
	LogLikelihood float64
	Iterations    int
}

// AccuracyRecord is one ensemble weight snapshot.
type AccuracyRecord struct {
	ID             uint64 `gorm:"primaryKey"`
	RecordedAt     time.Time
	GarchWeight    float64
	RealizedWeight float64
	EwmaWeight     float64
	Outcomes       uint64
}

// Store persists calibration and accuracy history. It lives entirely
// off the scheduler thread; callers write from background goroutines.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the history tables.
func Open(cfg ops.ArchiveConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn(cfg)), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.AutoMigrate(&CalibrationRecord{}, &AccuracyRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate archive tables")
	}
	return &Store{db: db}, nil
}

// SaveCalibration records one calibration attempt and its verdict.
func (s *Store) SaveCalibration(res vol.CalibrationResult, accepted bool) error {
	rec := CalibrationRecord{
		RecordedAt:    time.Now().UTC(),
		Omega:         res.Coefficients.Omega,
		Alpha:         res.Coefficients.Alpha,
		Beta:          res.Coefficients.Beta,
		Converged:     res.Converged,
		Accepted:      accepted,
		LogLikelihood: res.LogLikelihood,
		Iterations:    res.Iterations,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return errors.Wrap(err, "save calibration record")
	}
	return nil
}

// SaveAccuracy records one weight vector snapshot.
func (s *Store) SaveAccuracy(weights [vol.ModelCount]float64, outcomes uint64) error {
	rec := AccuracyRecord{
		RecordedAt:     time.Now().UTC(),
		GarchWeight:    weights[vol.ModelGarch],
		RealizedWeight: weights[vol.ModelRealized],
		EwmaWeight:     weights[vol.ModelEwma],
		Outcomes:       outcomes,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return errors.Wrap(err, "save accuracy record")
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dsn(cfg ops.ArchiveConfig) string {
	host := cfg.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.Database != "" {
		u.Path = "/" + cfg.Database
	}
	query := url.Values{}
	query.Set("sslmode", defaultPostgresSSLMode)
	u.RawQuery = query.Encode()

	return u.String()
}
