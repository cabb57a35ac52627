package aws

import (
	"context"
	"errors"
	"testing"

	"workflow-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	instances []types.Instance
	err       error
	requested []string
}

func (f *fakeEC2) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.requested = append(f.requested, params.InstanceIds...)
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: f.instances}},
	}, nil
}

func instance(id string, state types.InstanceStateName, public, private string) types.Instance {
	inst := types.Instance{
		InstanceId: aws.String(id),
		State:      &types.InstanceState{Name: state},
	}
	if public != "" {
		inst.PublicIpAddress = aws.String(public)
	}
	if private != "" {
		inst.PrivateIpAddress = aws.String(private)
	}
	return inst
}

func TestResolveConnection(t *testing.T) {
	api := &fakeEC2{instances: []types.Instance{
		instance("i-other", types.InstanceStateNameRunning, "1.1.1.1", ""),
		instance("i-gpu", types.InstanceStateNameRunning, "54.1.2.3", "10.0.0.5"),
	}}
	conn := models.Connection{User: "ubuntu", Port: 22, InstanceID: "i-gpu"}

	got, err := NewClientWithAPI(api, false).ResolveConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "54.1.2.3", got.Host)
	assert.Equal(t, "ubuntu", got.User)
	assert.Equal(t, []string{"i-gpu"}, api.requested)

	got, err = NewClientWithAPI(api, true).ResolveConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Host)
}

func TestResolveConnectionWithoutInstance(t *testing.T) {
	api := &fakeEC2{}
	conn := models.Connection{Host: "gpu.example.com", User: "root"}

	got, err := NewClientWithAPI(api, false).ResolveConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, conn, got)
	assert.Empty(t, api.requested)
}

func TestResolveConnectionErrors(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeEC2
		wantErr string
	}{
		{
			name:    "describe fails",
			api:     &fakeEC2{err: errors.New("UnauthorizedOperation")},
			wantErr: "UnauthorizedOperation",
		},
		{
			name:    "not found",
			api:     &fakeEC2{},
			wantErr: "not found",
		},
		{
			name:    "stopped",
			api:     &fakeEC2{instances: []types.Instance{instance("i-gpu", types.InstanceStateNameStopped, "54.1.2.3", "")}},
			wantErr: "is stopped",
		},
		{
			name:    "no address",
			api:     &fakeEC2{instances: []types.Instance{instance("i-gpu", types.InstanceStateNameRunning, "", "")}},
			wantErr: "no reachable address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClientWithAPI(tt.api, false).ResolveConnection(context.Background(), models.Connection{InstanceID: "i-gpu"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
