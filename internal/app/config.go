// Package app assembles the platform: configuration, storage, event
// transport, the cost and partition services, scheduled jobs and the HTTP
// server.
package app

import (
	"fmt"

	"github.com/jscharber/tenantcost/internal/api"
	"github.com/jscharber/tenantcost/internal/database"
	"github.com/jscharber/tenantcost/pkg/config"
	"github.com/jscharber/tenantcost/pkg/costing"
	"github.com/jscharber/tenantcost/pkg/events"
	"github.com/jscharber/tenantcost/pkg/logger"
	"github.com/jscharber/tenantcost/pkg/partition"
	"github.com/jscharber/tenantcost/pkg/tracing"
)

// envPrefix namespaces environment variable overrides.
const envPrefix = "TENANTCOST"

// Config is the root configuration document.
type Config struct {
	Service      ServiceConfig                `yaml:"service" json:"service"`
	Logging      logger.Config                `yaml:"logging" json:"logging"`
	Tracing      tracing.Config               `yaml:"tracing" json:"tracing"`
	HTTP         api.Config                   `yaml:"http" json:"http"`
	Database     database.Config              `yaml:"database" json:"database"`
	Costing      costing.Config               `yaml:"costing" json:"costing"`
	Rates        []costing.CostCategory       `yaml:"rates" json:"rates"`
	Evaluator    partition.EvaluatorConfig    `yaml:"evaluator" json:"evaluator"`
	Orchestrator partition.OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Partitions   []partition.PartitionType    `yaml:"partitions" json:"partitions"`
	Events       EventsConfig                 `yaml:"events" json:"events"`
	Jobs         JobsConfig                   `yaml:"jobs" json:"jobs"`
}

// ServiceConfig identifies the deployment.
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Environment string `yaml:"environment" json:"environment"`
	// SimulatedStepDelay is the per-step delay of the simulated migration
	// executor.
	SimulatedStepDelay string `yaml:"simulated_step_delay" json:"simulated_step_delay"`
}

// EventsConfig groups the bus and the optional Kafka mirror.
type EventsConfig struct {
	Bus   events.BusConfig      `yaml:"bus" json:"bus"`
	Kafka events.ProducerConfig `yaml:"kafka" json:"kafka"`
}

// JobsConfig holds the cron specs for background jobs.
type JobsConfig struct {
	EvaluationSpec string `yaml:"evaluation_spec" json:"evaluation_spec"`
	ForecastSpec   string `yaml:"forecast_spec" json:"forecast_spec"`
	DrainSpec      string `yaml:"drain_spec" json:"drain_spec"`
}

// DefaultConfig returns production defaults for every component.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "tenantcost",
			Version:     "1.0.0",
			Environment: "development",
		},
		Logging: logger.Config{
			Level:   "info",
			Format:  "json",
			Service: "tenantcost",
		},
		Tracing:      tracing.DefaultConfig(),
		HTTP:         *api.DefaultConfig(),
		Database:     *database.DefaultConfig(),
		Costing:      *costing.DefaultConfig(),
		Evaluator:    *partition.DefaultEvaluatorConfig(),
		Orchestrator: *partition.DefaultOrchestratorConfig(),
		Events: EventsConfig{
			Bus:   events.DefaultBusConfig(),
			Kafka: events.DefaultProducerConfig(),
		},
		Jobs: JobsConfig{
			EvaluationSpec: "0 * * * *",    // hourly sweep
			ForecastSpec:   "30 1 * * *",   // daily, before the maintenance window
			DrainSpec:      "@every 1m",
		},
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file, then
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	loader := config.NewLoader(envPrefix)
	if err := loader.Load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-component invariants.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator max_concurrent must be positive")
	}
	if c.Orchestrator.WindowStartHour < 0 || c.Orchestrator.WindowStartHour > 23 ||
		c.Orchestrator.WindowEndHour < 0 || c.Orchestrator.WindowEndHour > 24 {
		return fmt.Errorf("orchestrator maintenance window hours out of range")
	}
	if c.Costing.SpikeMultiplier <= 1 {
		return fmt.Errorf("costing spike_multiplier must be greater than 1")
	}
	return nil
}
