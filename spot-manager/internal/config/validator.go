package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "pricing.percentile")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

var (
	storeKinds       = []string{"redis", "file"}
	demandKinds      = []string{"static", "redis", "kube"}
	provisionerKinds = []string{"none", "ssh"}
	providerKinds    = []string{"ec2", "simulate"}
)

// newValidator reports fields by their config key rather than Go name
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateTags()...)
	errs = append(errs, c.validateIntervals()...)
	errs = append(errs, c.validateUtility()...)
	errs = append(errs, c.validateKinds()...)
	errs = append(errs, c.validateLaunch()...)

	return errs
}

// validateTags runs the struct tag rules
func (c *Config) validateTags() []ValidationError {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: "config", Value: nil, Message: err.Error()}}
	}

	var errs []ValidationError
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		// drop the leading "Config."
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msg := "must satisfy " + fe.Tag()
		if fe.Param() != "" {
			msg += " " + fe.Param()
		}
		errs = append(errs, ValidationError{Field: field, Value: fe.Value(), Message: msg})
	}
	return errs
}

func (c *Config) validateIntervals() []ValidationError {
	var errs []ValidationError

	if c.RunInterval <= time.Minute {
		errs = append(errs, ValidationError{
			Field:   "run_interval",
			Value:   c.RunInterval,
			Message: "must be longer than 1m",
		})
	}

	positive := []struct {
		field string
		value time.Duration
	}{
		{"pricing.history", c.Pricing.History},
		{"watcher.poll_interval", c.Watcher.PollInterval},
		{"watcher.setup_timeout", c.Watcher.SetupTimeout},
		{"watcher.no_capacity_retry", c.Watcher.NoCapacityRetry},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}

	nonNegative := []struct {
		field string
		value time.Duration
	}{
		{"pricing.smoothing", c.Pricing.Smoothing},
		{"watcher.cache_ttl", c.Watcher.CacheTTL},
		{"watcher.setup_delay", c.Watcher.SetupDelay},
		{"watcher.settle_delay", c.Watcher.SettleDelay},
		{"launch.expiration", c.Launch.Expiration},
	}
	for _, p := range nonNegative {
		if p.value < 0 {
			errs = append(errs, ValidationError{Field: p.field, Value: p.value, Message: "must not be negative"})
		}
	}
	return errs
}

func (c *Config) validateUtility() []ValidationError {
	var errs []ValidationError

	seen := make(map[string]bool, len(c.Utility))
	for i, u := range c.Utility {
		field := fmt.Sprintf("utility[%d]", i)
		if seen[u.InstanceType] {
			errs = append(errs, ValidationError{
				Field:   field + ".instance_type",
				Value:   u.InstanceType,
				Message: "is listed more than once",
			})
		}
		seen[u.InstanceType] = true

		for _, pattern := range u.BlacklistZones {
			if _, err := glob.Compile(pattern); err != nil {
				errs = append(errs, ValidationError{
					Field:   field + ".blacklist_zones",
					Value:   pattern,
					Message: "is not a valid glob pattern",
				})
			}
		}
	}
	return errs
}

func (c *Config) validateKinds() []ValidationError {
	var errs []ValidationError

	kinds := []struct {
		field string
		value string
		valid []string
	}{
		{"store.kind", c.Store.Kind, storeKinds},
		{"demand.kind", c.Demand.Kind, demandKinds},
		{"provisioner.kind", c.Provisioner.Kind, provisionerKinds},
		{"provider.kind", c.Provider.Kind, providerKinds},
	}
	for _, k := range kinds {
		if !slices.Contains(k.valid, k.value) {
			errs = append(errs, ValidationError{
				Field:   k.field,
				Value:   k.value,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(k.valid, ", ")),
			})
		}
	}

	if c.Store.Kind == "redis" && c.Store.Redis.Addr == "" {
		errs = append(errs, ValidationError{Field: "store.redis.addr", Value: "", Message: "is required for the redis store"})
	}
	if c.Store.Kind == "file" && (c.Store.PriceFile == "" || c.Store.BackoffFile == "") {
		errs = append(errs, ValidationError{Field: "store.price_file", Value: c.Store.PriceFile, Message: "price and backoff files are required for the file store"})
	}
	if c.Demand.Kind == "redis" && c.Demand.Redis.Addr == "" {
		errs = append(errs, ValidationError{Field: "demand.redis.addr", Value: "", Message: "is required for redis demand"})
	}
	if c.Demand.MaxUtility > 0 && c.Demand.MaxUtility < c.Demand.MinUtility {
		errs = append(errs, ValidationError{Field: "demand.max_utility", Value: c.Demand.MaxUtility, Message: "must not be below demand.min_utility"})
	}
	if c.Provisioner.Kind == "ssh" {
		if c.Provisioner.SSH.KeyFile == "" {
			errs = append(errs, ValidationError{Field: "provisioner.ssh.key_file", Value: "", Message: "is required for the ssh provisioner"})
		}
		if len(c.Provisioner.SSH.SetupCommands) == 0 {
			errs = append(errs, ValidationError{Field: "provisioner.ssh.setup_commands", Value: nil, Message: "at least one command is required"})
		}
	}
	return errs
}

func (c *Config) validateLaunch() []ValidationError {
	if c.Provider.Kind != "ec2" {
		return nil
	}
	var errs []ValidationError
	if c.Launch.ImageID == "" {
		errs = append(errs, ValidationError{Field: "launch.image_id", Value: "", Message: "is required"})
	}
	if len(c.Launch.Subnets) == 0 {
		errs = append(errs, ValidationError{Field: "launch.subnets", Value: nil, Message: "at least one zone must have a subnet"})
	}
	return errs
}
