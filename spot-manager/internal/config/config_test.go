package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

const sampleYAML = `
fleet:
  name: build-fleet
budget: 5
max_utility_price: 0.1
provider:
  kind: simulate
launch:
  subnets:
    us-east-1a: [subnet-a]
utility:
  - instance_type: c5.large
    utility: 2
    blacklist_zones: ["us-east-1[cd]"]
  - instance_type: m3.large
    utility: 4
    discount: 0.01
    drives:
      - size: 100
        path: /data
`

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	return Load(v)
}

func TestLoad(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fleet.Name != "build-fleet" {
		t.Errorf("Fleet.Name = %q", cfg.Fleet.Name)
	}
	if cfg.RunInterval != 10*time.Minute {
		t.Errorf("RunInterval = %v, want default 10m", cfg.RunInterval)
	}
	if cfg.WatcherStop() != 9*time.Minute {
		t.Errorf("WatcherStop() = %v, want 9m", cfg.WatcherStop())
	}
	if cfg.Pricing.Percentile != 0.8 || cfg.Pricing.Smoothing != 5*time.Minute {
		t.Errorf("Pricing = %+v", cfg.Pricing)
	}
	if cfg.Removal.MaxOvershoot != 7 || cfg.Watcher.MaxSetupFailures != 2 {
		t.Errorf("tunables not defaulted: %+v %+v", cfg.Removal, cfg.Watcher)
	}
	if got := cfg.Launch.Subnets["us-east-1a"]; len(got) != 1 || got[0] != "subnet-a" {
		t.Errorf("Launch.Subnets = %v", cfg.Launch.Subnets)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SPOT_MANAGER_BUDGET", "7.5")
	t.Setenv("SPOT_MANAGER_PRICING_PERCENTILE", "0.9")
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Budget != 7.5 {
		t.Errorf("Budget = %v, want 7.5 from env", cfg.Budget)
	}
	if cfg.Pricing.Percentile != 0.9 {
		t.Errorf("Pricing.Percentile = %v, want 0.9 from env", cfg.Pricing.Percentile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name:      "missing fleet name",
			yaml:      strings.Replace(sampleYAML, "name: build-fleet", "name: \"\"", 1),
			wantField: "fleet.name",
		},
		{
			name:      "no budget",
			yaml:      strings.Replace(sampleYAML, "budget: 5", "budget: 0", 1),
			wantField: "budget",
		},
		{
			name:      "duplicate instance type",
			yaml:      strings.Replace(sampleYAML, "instance_type: m3.large", "instance_type: c5.large", 1),
			wantField: "utility[1].instance_type",
		},
		{
			name:      "zero utility",
			yaml:      strings.Replace(sampleYAML, "utility: 4", "utility: 0", 1),
			wantField: "utility[1].utility",
		},
		{
			name:      "short run interval",
			yaml:      sampleYAML + "run_interval: 30s\n",
			wantField: "run_interval",
		},
		{
			name:      "unknown store",
			yaml:      sampleYAML + "store:\n  kind: s3\n",
			wantField: "store.kind",
		},
		{
			name:      "ssh without key",
			yaml:      sampleYAML + "provisioner:\n  kind: ssh\n",
			wantField: "provisioner.ssh.key_file",
		},
		{
			name:      "ec2 without image",
			yaml:      strings.Replace(sampleYAML, "kind: simulate", "kind: ec2", 1),
			wantField: "launch.image_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.yaml)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Load() error = %v, want ValidationErrors", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.wantField, verrs)
			}
		})
	}
}

func TestValidationErrorsError(t *testing.T) {
	one := ValidationErrors{{Field: "budget", Value: 0, Message: "must satisfy gt 0"}}
	if got := one.Error(); got != "budget: must satisfy gt 0 (got: 0)" {
		t.Errorf("Error() = %q", got)
	}
	two := append(one, ValidationError{Field: "fleet.name", Value: "", Message: "must satisfy required"})
	if !strings.HasPrefix(two.Error(), "2 validation errors:") {
		t.Errorf("Error() = %q", two.Error())
	}
}

func TestUtilityTable(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatal(err)
	}
	table, err := cfg.UtilityTable()
	if err != nil {
		t.Fatal(err)
	}

	if u, ok := table.Utility("m3.large"); !ok || u != 4 {
		t.Errorf("Utility(m3.large) = %v, %v", u, ok)
	}
	if _, ok := table.Utility("x1.32xlarge"); ok {
		t.Error("unconfigured type reported as known")
	}
	if table.Discount("m3.large") != 0.01 {
		t.Errorf("Discount(m3.large) = %v", table.Discount("m3.large"))
	}
	if types := table.Types(); len(types) != 2 || types[0] != "c5.large" {
		t.Errorf("Types() = %v", types)
	}

	c5, _ := table.Get("c5.large")
	for zone, want := range map[string]bool{"us-east-1a": false, "us-east-1c": true, "us-east-1d": true} {
		if got := c5.ZoneBlacklisted(zone); got != want {
			t.Errorf("ZoneBlacklisted(%s) = %v, want %v", zone, got, want)
		}
	}

	m3, _ := table.Get("m3.large")
	if m3.EphemeralVolumes() != 1 {
		t.Errorf("EphemeralVolumes(m3.large) = %d, want 1 from built-in table", m3.EphemeralVolumes())
	}
	if c5.EphemeralVolumes() != 0 {
		t.Errorf("EphemeralVolumes(c5.large) = %d, want 0", c5.EphemeralVolumes())
	}
	if drives := m3.LaunchDrives(); len(drives) != 1 || drives[0].SizeGB != 100 {
		t.Errorf("LaunchDrives() = %+v", drives)
	}

	if _, err := NewUtilityTable([]UtilitySpec{{InstanceType: "a"}, {InstanceType: "a"}}); err == nil {
		t.Error("expected duplicate type error")
	}
}

func TestNetNewExpiry(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     time.Duration
	}{
		{interval: 10 * time.Minute, want: 8 * time.Minute},
		{interval: 5 * time.Minute, want: 3 * time.Minute},
		{interval: 90 * time.Second, want: 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.interval.String(), func(t *testing.T) {
			c := &Config{RunInterval: tt.interval}
			if got := c.NetNewExpiry(); got != tt.want {
				t.Errorf("NetNewExpiry() = %s, want %s", got, tt.want)
			}
			if c.NetNewExpiry() >= c.WatcherStop() {
				t.Errorf("expiry %s not before the watcher stop %s", c.NetNewExpiry(), c.WatcherStop())
			}
		})
	}
}
