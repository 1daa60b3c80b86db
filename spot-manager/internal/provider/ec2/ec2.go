// Package ec2 implements the provider calls against Amazon EC2
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// API is the part of the EC2 client the provider calls
type API interface {
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

var _ provider.Provider = (*Provider)(nil)

// Provider talks to EC2 in one region
type Provider struct {
	api API
}

// New loads the default AWS credential chain for region
func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewFromAPI(ec2.NewFromConfig(cfg)), nil
}

// NewFromAPI wraps an existing client
func NewFromAPI(api API) *Provider {
	return &Provider{api: api}
}

// liveStates are the instance states worth listing
var liveStates = []string{"pending", "running", "stopping", "stopped", "shutting-down"}

func (p *Provider) SpotRequests(ctx context.Context) ([]provider.SpotRequest, error) {
	var out []provider.SpotRequest
	in := &ec2.DescribeSpotInstanceRequestsInput{}
	for {
		resp, err := p.api.DescribeSpotInstanceRequests(ctx, in)
		if err != nil {
			return nil, classify("describe spot requests", err)
		}
		for _, r := range resp.SpotInstanceRequests {
			out = append(out, spotRequest(r))
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		in.NextToken = resp.NextToken
	}
}

func (p *Provider) Instances(ctx context.Context) ([]provider.Instance, error) {
	var out []provider.Instance
	in := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: aws.String("instance-state-name"), Values: liveStates}},
	}
	for {
		resp, err := p.api.DescribeInstances(ctx, in)
		if err != nil {
			return nil, classify("describe instances", err)
		}
		for _, res := range resp.Reservations {
			for _, i := range res.Instances {
				out = append(out, instance(i))
			}
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		in.NextToken = resp.NextToken
	}
}

func (p *Provider) Zones(ctx context.Context) ([]string, error) {
	resp, err := p.api.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, classify("describe zones", err)
	}
	zones := make([]string, 0, len(resp.AvailabilityZones))
	for _, z := range resp.AvailabilityZones {
		zones = append(zones, aws.ToString(z.ZoneName))
	}
	return zones, nil
}

func (p *Provider) RequestSpot(ctx context.Context, req provider.BidRequest) ([]provider.SpotRequest, error) {
	if len(req.SubnetIDs) == 0 {
		return nil, fmt.Errorf("no subnet for %s", req.Zone)
	}
	spec := &types.RequestSpotLaunchSpecification{
		ImageId:          aws.String(req.ImageID),
		InstanceType:     types.InstanceType(req.InstanceType),
		SecurityGroupIds: req.SecurityGroups,
		SubnetId:         aws.String(req.SubnetIDs[0]),
		Placement:        &types.SpotPlacement{AvailabilityZone: aws.String(req.Zone)},
	}
	if req.KeyName != "" {
		spec.KeyName = aws.String(req.KeyName)
	}
	if req.PlacementGroup != "" {
		spec.Placement.GroupName = aws.String(req.PlacementGroup)
	}
	if req.Profile != "" {
		spec.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(req.Profile)}
	}
	if req.UserData != "" {
		spec.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData)))
	}
	for _, v := range req.Volumes {
		m := types.BlockDeviceMapping{DeviceName: aws.String(v.Device)}
		if v.EphemeralName != "" {
			m.VirtualName = aws.String(v.EphemeralName)
		} else {
			m.Ebs = &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(v.SizeGB)),
				DeleteOnTermination: aws.Bool(v.DeleteOnTermination),
			}
			if v.VolumeType != "" {
				m.Ebs.VolumeType = types.VolumeType(v.VolumeType)
			}
		}
		spec.BlockDeviceMappings = append(spec.BlockDeviceMappings, m)
	}

	in := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(decimal.NewFromFloat(req.Price).String()),
		InstanceCount:       aws.Int32(1),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: spec,
	}
	if !req.ValidUntil.IsZero() {
		in.ValidUntil = aws.Time(req.ValidUntil)
	}

	resp, err := p.api.RequestSpotInstances(ctx, in)
	if err != nil {
		return nil, classify("request spot instances", err)
	}
	out := make([]provider.SpotRequest, 0, len(resp.SpotInstanceRequests))
	for _, r := range resp.SpotInstanceRequests {
		out = append(out, spotRequest(r))
	}
	return out, nil
}

func (p *Provider) CancelSpotRequests(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.api.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{SpotInstanceRequestIds: ids})
	return classify("cancel spot requests", err)
}

func (p *Provider) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return classify("terminate instances", err)
}

func (p *Provider) PriceHistory(ctx context.Context, q provider.PriceQuery) (provider.PricePage, error) {
	in := &ec2.DescribeSpotPriceHistoryInput{
		AvailabilityZone: aws.String(q.Zone),
		InstanceTypes:    []types.InstanceType{types.InstanceType(q.InstanceType)},
	}
	if q.Product != "" {
		in.ProductDescriptions = []string{q.Product}
	}
	if !q.Start.IsZero() {
		in.StartTime = aws.Time(q.Start)
	}
	if q.NextToken != "" {
		in.NextToken = aws.String(q.NextToken)
	}

	resp, err := p.api.DescribeSpotPriceHistory(ctx, in)
	if err != nil {
		return provider.PricePage{}, classify("describe spot price history", err)
	}
	page := provider.PricePage{NextToken: aws.ToString(resp.NextToken)}
	for _, s := range resp.SpotPriceHistory {
		price, err := decimal.NewFromString(aws.ToString(s.SpotPrice))
		if err != nil {
			return provider.PricePage{}, fmt.Errorf("bad spot price %q: %w", aws.ToString(s.SpotPrice), err)
		}
		page.Samples = append(page.Samples, provider.PriceSample{
			Zone:         aws.ToString(s.AvailabilityZone),
			InstanceType: string(s.InstanceType),
			Price:        price.InexactFloat64(),
			Timestamp:    aws.ToTime(s.Timestamp),
		})
	}
	return page, nil
}

func (p *Provider) SetName(ctx context.Context, resourceID, name string) error {
	_, err := p.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      []types.Tag{{Key: aws.String(provider.NameTag), Value: aws.String(name)}},
	})
	return classify("tag "+resourceID, err)
}

func (p *Provider) ClearName(ctx context.Context, resourceID string) error {
	_, err := p.api.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{resourceID},
		Tags:      []types.Tag{{Key: aws.String(provider.NameTag)}},
	})
	return classify("untag "+resourceID, err)
}

// classify maps EC2 error codes onto the provider errors
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	code := apiErr.ErrorCode()
	switch {
	case code == "RequestLimitExceeded" || code == "Throttling":
		return fmt.Errorf("%s: %w: %v", op, provider.ErrThrottled, err)
	case code == "MaxSpotInstanceCountExceeded":
		return fmt.Errorf("%s: %w: %v", op, provider.ErrRequestLimitExceeded, err)
	case code == "InsufficientInstanceCapacity":
		return fmt.Errorf("%s: %w: %v", op, provider.ErrCapacityNotAvailable, err)
	case strings.HasSuffix(code, ".NotFound"):
		return fmt.Errorf("%s: %w: %v", op, provider.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func tags(in []types.Tag) map[string]string {
	out := make(map[string]string, len(in))
	for _, t := range in {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func spotRequest(r types.SpotInstanceRequest) provider.SpotRequest {
	out := provider.SpotRequest{
		ID:         aws.ToString(r.SpotInstanceRequestId),
		InstanceID: aws.ToString(r.InstanceId),
		CreateTime: aws.ToTime(r.CreateTime),
		Tags:       tags(r.Tags),
	}
	if r.Status != nil {
		out.StatusCode = aws.ToString(r.Status.Code)
	}
	if spec := r.LaunchSpecification; spec != nil {
		out.LaunchSpec.InstanceType = string(spec.InstanceType)
		if spec.Placement != nil {
			out.LaunchSpec.Zone = aws.ToString(spec.Placement.AvailabilityZone)
		}
	}
	if out.LaunchSpec.Zone == "" {
		out.LaunchSpec.Zone = aws.ToString(r.LaunchedAvailabilityZone)
	}
	if price, err := decimal.NewFromString(aws.ToString(r.SpotPrice)); err == nil {
		out.BidPrice = price.InexactFloat64()
	}
	return out
}

func instance(i types.Instance) provider.Instance {
	out := provider.Instance{
		ID:            aws.ToString(i.InstanceId),
		InstanceType:  string(i.InstanceType),
		Tags:          tags(i.Tags),
		LaunchTime:    aws.ToTime(i.LaunchTime),
		SpotRequestID: aws.ToString(i.SpotInstanceRequestId),
		PrivateIP:     aws.ToString(i.PrivateIpAddress),
	}
	if i.Placement != nil {
		out.Zone = aws.ToString(i.Placement.AvailabilityZone)
	}
	if i.State != nil {
		out.State = string(i.State.Name)
	}
	return out
}
