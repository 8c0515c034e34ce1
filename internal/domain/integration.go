package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type ProviderType string

const (
	ProviderRESTMLS ProviderType = "rest_mls"
	ProviderRETSMLS ProviderType = "rets_mls"
	ProviderCRM     ProviderType = "crm"
	ProviderDB      ProviderType = "db"
)

// ProviderTypes lists every supported provider type in a stable order.
var ProviderTypes = []ProviderType{ProviderRESTMLS, ProviderRETSMLS, ProviderCRM, ProviderDB}

func (p ProviderType) Valid() bool {
	for _, v := range ProviderTypes {
		if v == p {
			return true
		}
	}
	return false
}

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultJitter      = 0.2
)

// RetryPolicy parameterizes the request executor for one integration.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      float64       `json:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// WithDefaults fills zero fields.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// Integration is one registered external source. It never holds secret material.
type Integration struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ProviderType      ProviderType      `json:"provider_type"`
	BaseURL           string            `json:"base_url,omitempty"`
	Timeout           time.Duration     `json:"timeout"`
	RetryPolicy       RetryPolicy       `json:"retry_policy"`
	CredentialRef     string            `json:"credential_ref"`
	IsDefault         bool              `json:"is_default"`
	Enabled           bool              `json:"enabled"`
	RequestsPerSecond float64           `json:"requests_per_second,omitempty"`
	Options           map[string]string `json:"options,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Option returns an adapter option or def.
func (i Integration) Option(key, def string) string {
	if v, ok := i.Options[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Clone returns a copy that shares no maps with i.
func (i Integration) Clone() Integration {
	if i.Options != nil {
		opts := make(map[string]string, len(i.Options))
		for k, v := range i.Options {
			opts[k] = v
		}
		i.Options = opts
	}
	return i
}

// CredentialRefFor is the credential store key owned by the named integration.
func CredentialRefFor(name string) string { return "cred:" + name }

// RetryPolicyMS is the wire form of a retry policy.
type RetryPolicyMS struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts" validate:"min=0,max=10"`
	BaseDelayMS int     `json:"base_delay_ms" yaml:"base_delay_ms" validate:"min=0,max=60000"`
	MaxDelayMS  int     `json:"max_delay_ms" yaml:"max_delay_ms" validate:"min=0,max=300000"`
	Jitter      float64 `json:"jitter,omitempty" yaml:"jitter" validate:"min=0,max=1"`
}

// Policy converts to durations. Zero fields, jitter included, take the defaults.
func (p RetryPolicyMS) Policy() RetryPolicy {
	rp := RetryPolicy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   time.Duration(p.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(p.MaxDelayMS) * time.Millisecond,
		Jitter:      p.Jitter,
	}
	if rp.Jitter == 0 {
		rp.Jitter = DefaultJitter
	}
	return rp.WithDefaults()
}

// Definition is the create_integration payload.
type Definition struct {
	Name              string            `json:"name" yaml:"name" validate:"required,max=64,integration_name"`
	ProviderType      ProviderType      `json:"provider_type" yaml:"provider_type" validate:"required,oneof=rest_mls rets_mls crm db"`
	BaseURL           string            `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Secret            string            `json:"api_key_or_credential" yaml:"-"`
	TimeoutMS         int               `json:"timeout_ms" yaml:"timeout_ms" validate:"min=0,max=300000"`
	RetryPolicy       RetryPolicyMS     `json:"retry_policy" yaml:"retry_policy"`
	MakeDefault       bool              `json:"make_default" yaml:"make_default"`
	Enabled           *bool             `json:"enabled,omitempty" yaml:"enabled"`
	RequestsPerSecond float64           `json:"requests_per_second,omitempty" yaml:"requests_per_second" validate:"min=0"`
	Options           map[string]string `json:"options,omitempty" yaml:"options"`
}

// String keeps the secret out of %v output.
func (d Definition) String() string {
	return fmt.Sprintf("Definition{name=%s provider_type=%s base_url=%s}", d.Name, d.ProviderType, d.BaseURL)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
	reName       = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("integration_name", func(fl validator.FieldLevel) bool {
			return reName.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate reports malformed definitions as ErrConfig.
func (d Definition) Validate() error {
	if err := validatorInstance().Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return Errorf(ErrConfig, "validate", "invalid fields: %s", strings.Join(fields, ", "))
		}
		return NewError(ErrConfig, "validate", err)
	}
	if d.ProviderType != ProviderDB && d.BaseURL == "" {
		return Errorf(ErrConfig, "validate", "base_url is required for %s", d.ProviderType)
	}
	if d.RetryPolicy.MaxDelayMS > 0 && d.RetryPolicy.MaxDelayMS < d.RetryPolicy.BaseDelayMS {
		return Errorf(ErrConfig, "validate", "max_delay_ms must be >= base_delay_ms")
	}
	return nil
}

// ToIntegration converts a validated definition; ids and timestamps are set by the registry.
func (d Definition) ToIntegration() Integration {
	timeout := time.Duration(d.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	in := Integration{
		Name:              d.Name,
		ProviderType:      d.ProviderType,
		BaseURL:           strings.TrimRight(d.BaseURL, "/"),
		Timeout:           timeout,
		RetryPolicy:       d.RetryPolicy.Policy(),
		CredentialRef:     CredentialRefFor(d.Name),
		Enabled:           enabled,
		RequestsPerSecond: d.RequestsPerSecond,
		Options:           d.Options,
	}
	return in.Clone()
}

// Patch is a partial update of a registered integration. The name is immutable.
type Patch struct {
	BaseURL           *string           `json:"base_url,omitempty"`
	TimeoutMS         *int              `json:"timeout_ms,omitempty"`
	RetryPolicy       *RetryPolicyMS    `json:"retry_policy,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	RequestsPerSecond *float64          `json:"requests_per_second,omitempty"`
	Options           map[string]string `json:"options,omitempty"`
}

// Apply returns in with the patch applied.
func (p Patch) Apply(in Integration) (Integration, error) {
	out := in.Clone()
	if p.BaseURL != nil {
		if out.ProviderType != ProviderDB && strings.TrimSpace(*p.BaseURL) == "" {
			return in, Errorf(ErrConfig, "update", "base_url cannot be empty")
		}
		out.BaseURL = strings.TrimRight(*p.BaseURL, "/")
	}
	if p.TimeoutMS != nil {
		if *p.TimeoutMS < 0 || *p.TimeoutMS > 300000 {
			return in, Errorf(ErrConfig, "update", "timeout_ms out of range")
		}
		if *p.TimeoutMS == 0 {
			out.Timeout = DefaultTimeout
		} else {
			out.Timeout = time.Duration(*p.TimeoutMS) * time.Millisecond
		}
	}
	if p.RetryPolicy != nil {
		if err := validatorInstance().Struct(*p.RetryPolicy); err != nil {
			return in, NewError(ErrConfig, "update", err)
		}
		out.RetryPolicy = p.RetryPolicy.Policy()
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.RequestsPerSecond != nil {
		if *p.RequestsPerSecond < 0 {
			return in, Errorf(ErrConfig, "update", "requests_per_second must be >= 0")
		}
		out.RequestsPerSecond = *p.RequestsPerSecond
	}
	if p.Options != nil {
		if out.Options == nil {
			out.Options = map[string]string{}
		}
		for k, v := range p.Options {
			if v == "" {
				delete(out.Options, k)
				continue
			}
			out.Options[k] = v
		}
	}
	return out, nil
}

type HealthStatus string

const (
	HealthUp       HealthStatus = "up"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// View is the redacted listing form of an integration.
type View struct {
	Name         string       `json:"name"`
	ProviderType ProviderType `json:"provider_type"`
	IsDefault    bool         `json:"is_default"`
	Enabled      bool         `json:"enabled"`
	Health       HealthStatus `json:"health,omitempty"`
}
