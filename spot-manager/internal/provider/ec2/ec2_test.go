package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// fakeEC2 answers the calls under test; anything else panics on the nil API
type fakeEC2 struct {
	API

	requestPages [][]types.SpotInstanceRequest
	requested    []*ec2.RequestSpotInstancesInput
	requestErr   error
	cancelErr    error
	tagged       []*ec2.CreateTagsInput
}

func (f *fakeEC2) DescribeSpotInstanceRequests(ctx context.Context, in *ec2.DescribeSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	page := 0
	if in.NextToken != nil {
		page = 1
	}
	out := &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: f.requestPages[page]}
	if page+1 < len(f.requestPages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func (f *fakeEC2) RequestSpotInstances(ctx context.Context, in *ec2.RequestSpotInstancesInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	f.requested = append(f.requested, in)
	return &ec2.RequestSpotInstancesOutput{SpotInstanceRequests: []types.SpotInstanceRequest{{
		SpotInstanceRequestId: aws.String("sir-new"),
		SpotPrice:             in.SpotPrice,
		Status:                &types.SpotInstanceStatus{Code: aws.String(provider.StatusPendingEvaluation)},
		LaunchSpecification: &types.LaunchSpecification{
			InstanceType: in.LaunchSpecification.InstanceType,
			Placement:    in.LaunchSpecification.Placement,
		},
	}}}, nil
}

func (f *fakeEC2) CancelSpotInstanceRequests(ctx context.Context, in *ec2.CancelSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	return &ec2.CancelSpotInstanceRequestsOutput{}, f.cancelErr
}

func (f *fakeEC2) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.tagged = append(f.tagged, in)
	return &ec2.CreateTagsOutput{}, nil
}

func TestSpotRequestsPages(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeEC2{requestPages: [][]types.SpotInstanceRequest{
		{{
			SpotInstanceRequestId: aws.String("sir-1"),
			InstanceId:            aws.String("i-1"),
			SpotPrice:             aws.String("0.125000"),
			CreateTime:            aws.Time(created),
			Status:                &types.SpotInstanceStatus{Code: aws.String(provider.StatusFulfilled)},
			LaunchSpecification: &types.LaunchSpecification{
				InstanceType: types.InstanceType("c5.large"),
				Placement:    &types.SpotPlacement{AvailabilityZone: aws.String("us-east-1a")},
			},
			Tags: []types.Tag{{Key: aws.String("Name"), Value: aws.String("etl")}},
		}},
		{{
			SpotInstanceRequestId:    aws.String("sir-2"),
			Status:                   &types.SpotInstanceStatus{Code: aws.String(provider.StatusPriceTooLow)},
			LaunchedAvailabilityZone: aws.String("us-east-1b"),
		}},
	}}

	got, err := NewFromAPI(f).SpotRequests(context.Background())
	if err != nil {
		t.Fatalf("SpotRequests() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d requests, want both pages", len(got))
	}
	r := got[0]
	if r.ID != "sir-1" || r.InstanceID != "i-1" || r.BidPrice != 0.125 || r.Name() != "etl" ||
		r.LaunchSpec.InstanceType != "c5.large" || r.LaunchSpec.Zone != "us-east-1a" || !r.CreateTime.Equal(created) {
		t.Errorf("first request = %+v", r)
	}
	if got[1].LaunchSpec.Zone != "us-east-1b" || got[1].StatusCode != provider.StatusPriceTooLow {
		t.Errorf("second request = %+v", got[1])
	}
}

func TestRequestSpot(t *testing.T) {
	f := &fakeEC2{}
	p := NewFromAPI(f)
	until := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)

	out, err := p.RequestSpot(context.Background(), provider.BidRequest{
		Price:          0.1234,
		Zone:           "us-east-1a",
		InstanceType:   "m5.xlarge",
		ImageID:        "ami-1",
		SecurityGroups: []string{"sg-1"},
		SubnetIDs:      []string{"subnet-a", "subnet-b"},
		PlacementGroup: "pg",
		UserData:       "#!/bin/sh\n",
		ValidUntil:     until,
		Volumes: []provider.Volume{
			{Device: "/dev/sdb", EphemeralName: "ephemeral0", DeleteOnTermination: true},
			{Device: "/dev/sdc", SizeGB: 100, VolumeType: "gp3", DeleteOnTermination: true},
		},
	})
	if err != nil {
		t.Fatalf("RequestSpot() error = %v", err)
	}
	if len(out) != 1 || out[0].ID != "sir-new" || out[0].BidPrice != 0.1234 {
		t.Errorf("RequestSpot() = %+v", out)
	}

	in := f.requested[0]
	spec := in.LaunchSpecification
	if aws.ToString(in.SpotPrice) != "0.1234" || aws.ToInt32(in.InstanceCount) != 1 || !aws.ToTime(in.ValidUntil).Equal(until) {
		t.Errorf("request input = %+v", in)
	}
	if aws.ToString(spec.SubnetId) != "subnet-a" || aws.ToString(spec.Placement.GroupName) != "pg" {
		t.Errorf("launch spec = %+v", spec)
	}
	if data, _ := base64.StdEncoding.DecodeString(aws.ToString(spec.UserData)); string(data) != "#!/bin/sh\n" {
		t.Errorf("user data = %q", data)
	}
	if len(spec.BlockDeviceMappings) != 2 ||
		aws.ToString(spec.BlockDeviceMappings[0].VirtualName) != "ephemeral0" ||
		aws.ToInt32(spec.BlockDeviceMappings[1].Ebs.VolumeSize) != 100 ||
		spec.BlockDeviceMappings[1].Ebs.VolumeType != types.VolumeTypeGp3 {
		t.Errorf("block devices = %+v", spec.BlockDeviceMappings)
	}
}

func TestRequestSpotNeedsSubnet(t *testing.T) {
	if _, err := NewFromAPI(&fakeEC2{}).RequestSpot(context.Background(), provider.BidRequest{Zone: "us-east-1a"}); err == nil {
		t.Error("expected an error without subnets")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "RequestLimitExceeded", want: provider.ErrThrottled},
		{code: "MaxSpotInstanceCountExceeded", want: provider.ErrRequestLimitExceeded},
		{code: "InsufficientInstanceCapacity", want: provider.ErrCapacityNotAvailable},
		{code: "InvalidSpotInstanceRequestID.NotFound", want: provider.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := &fakeEC2{
				requestErr: &smithy.GenericAPIError{Code: tt.code, Message: "nope"},
				cancelErr:  &smithy.GenericAPIError{Code: tt.code, Message: "nope"},
			}
			p := NewFromAPI(f)
			_, err := p.RequestSpot(context.Background(), provider.BidRequest{SubnetIDs: []string{"subnet-a"}})
			if !errors.Is(err, tt.want) {
				t.Errorf("RequestSpot() error = %v, want %v", err, tt.want)
			}
			if err := p.CancelSpotRequests(context.Background(), []string{"sir-1"}); !errors.Is(err, tt.want) {
				t.Errorf("CancelSpotRequests() error = %v, want %v", err, tt.want)
			}
		})
	}

	other := classify("op", errors.New("connection reset"))
	for _, sentinel := range []error{provider.ErrThrottled, provider.ErrNotFound} {
		if errors.Is(other, sentinel) {
			t.Errorf("plain error classified as %v", sentinel)
		}
	}
}

func TestSetName(t *testing.T) {
	f := &fakeEC2{}
	if err := NewFromAPI(f).SetName(context.Background(), "i-1", "etl (setup)"); err != nil {
		t.Fatal(err)
	}
	in := f.tagged[0]
	if in.Resources[0] != "i-1" || aws.ToString(in.Tags[0].Key) != "Name" || aws.ToString(in.Tags[0].Value) != "etl (setup)" {
		t.Errorf("CreateTags input = %+v", in)
	}
}
