package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
)

// Config is the full runtime configuration.
type Config struct {
	Models   ModelsConfig   `mapstructure:"models"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Training TrainingConfig `mapstructure:"training"`
	Features FeaturesConfig `mapstructure:"features"`
	Serving  ServingConfig  `mapstructure:"serving"`
}

// ModelsConfig locates artifacts.
type ModelsConfig struct {
	Dir          string `mapstructure:"dir" validate:"required"`
	CategoryName string `mapstructure:"category_name" validate:"required,purpose,nefield=AnomalyName"`
	AnomalyName  string `mapstructure:"anomaly_name" validate:"required,purpose"`
}

// TrainingConfig tunes the category trainer.
type TrainingConfig struct {
	BatchSize  int     `mapstructure:"batch_size" validate:"min=1"`
	TestSize   float64 `mapstructure:"test_size" validate:"gt=0,lt=1"`
	RandomSeed int64   `mapstructure:"random_seed"`
	Epochs     int     `mapstructure:"epochs" validate:"min=1"`
	Alpha      float64 `mapstructure:"alpha" validate:"gte=0"`
	Eta0       float64 `mapstructure:"eta0" validate:"gt=0"`
}

// FeaturesConfig is the feature schema. Changing it forces a full refit.
type FeaturesConfig struct {
	Buckets  int `mapstructure:"buckets" validate:"min=16,pow2"`
	FoldDims int `mapstructure:"fold_dims" validate:"min=1"`
}

// AnomalyConfig selects and tunes the anomaly detector.
type AnomalyConfig struct {
	Detector      string  `mapstructure:"detector" validate:"oneof=gaussian iforest ecod fence"`
	Contamination float64 `mapstructure:"contamination" validate:"gt=0,lt=0.5"`
	Threshold     float64 `mapstructure:"threshold"`
	Trees         int     `mapstructure:"trees" validate:"min=1"`
	SampleSize    int     `mapstructure:"sample_size" validate:"min=2"`
}

// LedgerConfig picks where seen hashes live.
type LedgerConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file sqlite"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Database string `mapstructure:"database"`
}

// ServingConfig tunes the serving cache.
type ServingConfig struct {
	TopK  int  `mapstructure:"top_k" validate:"min=1"`
	Watch bool `mapstructure:"watch"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
	})
	_ = validate.RegisterValidation("pow2", validatePowerOfTwo)
	_ = validate.RegisterValidation("purpose", validatePurpose)
}

func validatePowerOfTwo(fl validator.FieldLevel) bool {
	n := fl.Field().Int()
	return n > 0 && n&(n-1) == 0
}

// validatePurpose accepts names usable as artifact file prefixes.
func validatePurpose(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s != "" && !strings.ContainsAny(s, `/\ `) && !strings.HasPrefix(s, ".")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("models.dir", "~/.local/share/spice/models")
	v.SetDefault("models.category_name", "category")
	v.SetDefault("models.anomaly_name", "anomaly")

	v.SetDefault("training.batch_size", 2048)
	v.SetDefault("training.test_size", 0.2)
	v.SetDefault("training.random_seed", 42)
	v.SetDefault("training.epochs", 5)
	v.SetDefault("training.alpha", 1e-5)
	v.SetDefault("training.eta0", 0.5)

	v.SetDefault("features.buckets", 1<<18)
	v.SetDefault("features.fold_dims", 32)

	v.SetDefault("anomaly.detector", "gaussian")
	v.SetDefault("anomaly.contamination", 0.05)
	v.SetDefault("anomaly.threshold", 0.0)
	v.SetDefault("anomaly.trees", 100)
	v.SetDefault("anomaly.sample_size", 256)

	v.SetDefault("ledger.backend", "file")
	v.SetDefault("storage.database", "")

	v.SetDefault("serving.top_k", 3)
	v.SetDefault("serving.watch", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the configuration from v, applying defaults, expanding paths and
// validating the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	cfg.Models.Dir = ExpandPath(cfg.Models.Dir)
	cfg.Storage.Database = ExpandPath(cfg.Storage.Database)
	if cfg.Storage.Database == "" && cfg.Models.Dir != "" {
		cfg.Storage.Database = filepath.Join(cfg.Models.Dir, "spice.db")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field, reporting the first failure by its config key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: %s failed %s (got %v)", common.ErrInvalidConfig, configKey(fe.Namespace()), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
}

// configKey turns "Config.training.batch_size" into "training.batch_size".
func configKey(namespace string) string {
	return strings.TrimPrefix(namespace, "Config.")
}

// LedgerPath returns the file ledger location for purpose.
func (c *Config) LedgerPath(purpose string) string {
	return filepath.Join(c.Models.Dir, purpose+".seen.json")
}
