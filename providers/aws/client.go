package aws

import (
	"context"
	"fmt"

	"workflow-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2API is the part of the EC2 client used to look up instances
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Client resolves EC2 instances to SSH hosts
type Client struct {
	ec2Client  EC2API
	usePrivate bool
}

// NewClient creates a new AWS client from the default credential chain
func NewClient(ctx context.Context, region string, usePrivateIP bool) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewClientWithAPI(ec2.NewFromConfig(cfg), usePrivateIP), nil
}

// NewClientWithAPI wraps an existing EC2 API
func NewClientWithAPI(api EC2API, usePrivateIP bool) *Client {
	return &Client{ec2Client: api, usePrivate: usePrivateIP}
}

// ResolveConnection fills Host from the instance when InstanceID is set.
// Connections without an instance id are returned unchanged.
func (c *Client) ResolveConnection(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if conn.InstanceID == "" {
		return conn, nil
	}
	instance, err := c.describe(ctx, conn.InstanceID)
	if err != nil {
		return conn, err
	}
	if instance.State != nil && instance.State.Name != types.InstanceStateNameRunning {
		return conn, fmt.Errorf("instance %s is %s", conn.InstanceID, instance.State.Name)
	}

	host := c.host(instance)
	if host == "" {
		return conn, fmt.Errorf("instance %s has no reachable address", conn.InstanceID)
	}
	conn.Host = host
	return conn, nil
}

func (c *Client) describe(ctx context.Context, instanceID string) (*types.Instance, error) {
	result, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, reservation := range result.Reservations {
		for i := range reservation.Instances {
			if aws.ToString(reservation.Instances[i].InstanceId) == instanceID {
				return &reservation.Instances[i], nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

// host prefers the public address unless private addressing was requested
func (c *Client) host(instance *types.Instance) string {
	private := aws.ToString(instance.PrivateIpAddress)
	if c.usePrivate && private != "" {
		return private
	}
	if ip := aws.ToString(instance.PublicIpAddress); ip != "" {
		return ip
	}
	if dns := aws.ToString(instance.PublicDnsName); dns != "" {
		return dns
	}
	return private
}
