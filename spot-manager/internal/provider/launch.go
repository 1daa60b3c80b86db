package provider

import (
	"fmt"
	"strings"
	"time"
)

// Drive is an extra volume attached to every instance of a type
type Drive struct {
	Device     string
	SizeGB     int
	VolumeType string
}

// LaunchTemplate holds the launch parameters shared by every bid
type LaunchTemplate struct {
	ImageID        string
	KeyName        string
	SecurityGroups []string
	// Subnets maps an availability zone to the subnets usable in it
	Subnets        map[string][]string
	PlacementGroup string
	Profile        string
	UserData       string
	// Expiration bounds how long an unfulfilled request stays open (0 = forever)
	Expiration     time.Duration
}

// deviceName returns /dev/sdb, /dev/sdc, ... for i = 0, 1, ...
func deviceName(i int) string {
	return "/dev/sd" + string(rune('b'+i))
}

// Bid builds the request for one instance of instanceType in zone.
// Ephemeral stores take the first device letters, extra drives the next
// ones unless they name a device.
func (t LaunchTemplate) Bid(price float64, zone, instanceType string, ephemeral int, drives []Drive, now time.Time) (BidRequest, error) {
	subnets := t.Subnets[zone]
	if len(subnets) == 0 {
		return BidRequest{}, fmt.Errorf("no network interface specifications found for %s", zone)
	}

	req := BidRequest{
		Price:          price,
		Zone:           zone,
		InstanceType:   instanceType,
		ImageID:        t.ImageID,
		KeyName:        t.KeyName,
		SecurityGroups: t.SecurityGroups,
		SubnetIDs:      subnets,
		PlacementGroup: t.PlacementGroup,
		Profile:        t.Profile,
		UserData:       t.UserData,
	}

	// m3 instances are not allowed in a placement group
	if strings.HasPrefix(instanceType, "m3.") {
		req.PlacementGroup = ""
	}

	for i := 0; i < ephemeral; i++ {
		req.Volumes = append(req.Volumes, Volume{
			Device:              deviceName(i),
			EphemeralName:       fmt.Sprintf("ephemeral%d", i),
			DeleteOnTermination: true,
		})
	}
	for i, d := range drives {
		if d.SizeGB <= 0 {
			continue
		}
		device := d.Device
		if device == "" {
			device = deviceName(ephemeral + i)
		}
		req.Volumes = append(req.Volumes, Volume{
			Device:              device,
			SizeGB:              d.SizeGB,
			VolumeType:          d.VolumeType,
			DeleteOnTermination: true,
		})
	}

	if t.Expiration > 0 {
		req.ValidUntil = now.Add(t.Expiration)
	}
	return req, nil
}
