package config

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// EphemeralSpec describes instance-store volumes
type EphemeralSpec struct {
	Num  int `mapstructure:"num" json:"num" validate:"gte=0"`
	Size int `mapstructure:"size" json:"size" validate:"gte=0"`
}

// DriveSpec is an extra EBS volume attached to every instance of a type
type DriveSpec struct {
	Device     string `mapstructure:"device" json:"device,omitempty"`
	Size       int    `mapstructure:"size" json:"size" validate:"gte=0"`
	VolumeType string `mapstructure:"volume_type" json:"volume_type,omitempty"`
	// Path is where the provisioner mounts the drive
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// UtilitySpec is what one instance type is worth to the fleet
type UtilitySpec struct {
	InstanceType string  `mapstructure:"instance_type" json:"instance_type" validate:"required"`
	Utility      float64 `mapstructure:"utility" json:"utility" validate:"gt=0"`
	// Discount is subtracted from the price when accounting for budget
	Discount  float64 `mapstructure:"discount" json:"discount" validate:"gte=0"`
	Blacklist bool    `mapstructure:"blacklist" json:"blacklist"`
	// BlacklistZones are glob patterns of zones never bid in
	BlacklistZones []string `mapstructure:"blacklist_zones" json:"blacklist_zones,omitempty"`
	// Ephemeral overrides the built-in instance-store table
	Ephemeral *EphemeralSpec `mapstructure:"ephemeral" json:"ephemeral,omitempty"`
	Drives    []DriveSpec    `mapstructure:"drives" json:"drives,omitempty" validate:"dive"`

	zones []glob.Glob
}

// ZoneBlacklisted reports whether zone matches one of the blacklist patterns
func (u UtilitySpec) ZoneBlacklisted(zone string) bool {
	for _, g := range u.zones {
		if g.Match(zone) {
			return true
		}
	}
	return false
}

// EphemeralVolumes returns the number of instance-store volumes
func (u UtilitySpec) EphemeralVolumes() int {
	if u.Ephemeral != nil {
		return u.Ephemeral.Num
	}
	return ephemeralStorage[u.InstanceType].Num
}

// LaunchDrives returns the extra drives with device names assigned
func (u UtilitySpec) LaunchDrives() []provider.Drive {
	out := make([]provider.Drive, 0, len(u.Drives))
	for _, d := range u.Drives {
		out = append(out, provider.Drive{Device: d.Device, SizeGB: d.Size, VolumeType: d.VolumeType})
	}
	return out
}

// UtilityTable is the utility configuration keyed by instance type
type UtilityTable struct {
	specs map[string]UtilitySpec
}

// NewUtilityTable indexes specs by instance type. Duplicate types and bad
// zone patterns are errors.
func NewUtilityTable(specs []UtilitySpec) (*UtilityTable, error) {
	t := &UtilityTable{specs: make(map[string]UtilitySpec, len(specs))}
	for _, s := range specs {
		if _, ok := t.specs[s.InstanceType]; ok {
			return nil, fmt.Errorf("duplicate utility entry for %s", s.InstanceType)
		}
		s.zones = nil
		for _, pattern := range s.BlacklistZones {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("bad blacklist zone pattern %q for %s: %w", pattern, s.InstanceType, err)
			}
			s.zones = append(s.zones, g)
		}
		t.specs[s.InstanceType] = s
	}
	return t, nil
}

// Get returns the spec for instanceType
func (t *UtilityTable) Get(instanceType string) (UtilitySpec, bool) {
	s, ok := t.specs[instanceType]
	return s, ok
}

// Utility returns the utility of instanceType
func (t *UtilityTable) Utility(instanceType string) (float64, bool) {
	s, ok := t.specs[instanceType]
	return s.Utility, ok
}

// Discount returns the discount of instanceType, 0 when unknown
func (t *UtilityTable) Discount(instanceType string) float64 {
	return t.specs[instanceType].Discount
}

// Types returns the configured instance types in order
func (t *UtilityTable) Types() []string {
	out := make([]string, 0, len(t.specs))
	for k := range t.specs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UtilityTable builds the table from the utility list
func (c *Config) UtilityTable() (*UtilityTable, error) {
	return NewUtilityTable(c.Utility)
}

// LaunchTemplate converts the launch section for the provider
func (c *Config) LaunchTemplate() provider.LaunchTemplate {
	return provider.LaunchTemplate{
		ImageID:        c.Launch.ImageID,
		KeyName:        c.Launch.KeyName,
		SecurityGroups: c.Launch.SecurityGroups,
		Subnets:        c.Launch.Subnets,
		PlacementGroup: c.Launch.PlacementGroup,
		Profile:        c.Launch.InstanceProfile,
		UserData:       c.Launch.UserData,
		Expiration:     c.Launch.Expiration,
	}
}
