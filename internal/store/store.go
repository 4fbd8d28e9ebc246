package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fleetllm/internal/engine"
	"fleetllm/internal/provider"
)

const keyActiveProvider = "active_provider"

// Store implements provider.SettingsStore and engine.ConfigStore.
type Store struct {
	db *sql.DB
}

var (
	_ provider.SettingsStore = (*Store)(nil)
	_ engine.ConfigStore     = (*Store)(nil)
)

// Open opens the database at path (MemoryPath for an ephemeral store) and
// applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Setting returns the value stored under key; ok is false when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting upserts key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %s: %w", key, err)
	}
	return nil
}

// ActiveProvider returns the persisted provider choice, or "" when none.
func (s *Store) ActiveProvider(ctx context.Context) (string, error) {
	v, _, err := s.Setting(ctx, keyActiveProvider)
	return v, err
}

func (s *Store) SaveActiveProvider(ctx context.Context, name string) error {
	return s.SetSetting(ctx, keyActiveProvider, name)
}

// ModelConfig returns the saved configuration for name.
func (s *Store) ModelConfig(ctx context.Context, name string) (engine.ModelConfig, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT config FROM model_configs WHERE name = ?", name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ModelConfig{}, false, nil
	}
	if err != nil {
		return engine.ModelConfig{}, false, fmt.Errorf("store: get model config %s: %w", name, err)
	}
	var cfg engine.ModelConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return engine.ModelConfig{}, false, fmt.Errorf("store: decode model config %s: %w", name, err)
	}
	cfg.Name = name
	return cfg, true, nil
}

// SaveModelConfig inserts or replaces cfg, keyed by cfg.Name.
func (s *Store) SaveModelConfig(ctx context.Context, cfg engine.ModelConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return provider.ErrInvalidArgument("model config name is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_configs (name, base_model, config) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET base_model = excluded.base_model, config = excluded.config, updated_at = datetime('now')`,
		cfg.Name, cfg.BaseModel, string(raw))
	if err != nil {
		return fmt.Errorf("store: save model config %s: %w", cfg.Name, err)
	}
	return nil
}

// ListModelConfigs returns every saved configuration ordered by name.
func (s *Store) ListModelConfigs(ctx context.Context) ([]engine.ModelConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, config FROM model_configs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list model configs: %w", err)
	}
	defer rows.Close()
	var out []engine.ModelConfig
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var cfg engine.ModelConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("store: decode model config %s: %w", name, err)
		}
		cfg.Name = name
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteModelConfig removes the configuration for name.
func (s *Store) DeleteModelConfig(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM model_configs WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("store: delete model config %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
