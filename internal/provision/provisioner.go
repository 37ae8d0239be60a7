package provision

import (
	"context"
	"errors"
)

var (
	ErrProvisionFailed  = errors.New("provisioning request failed")
	ErrProvisionTimeout = errors.New("provisioning request timed out")
	ErrInstanceNotFound = errors.New("instance not found")
)

// Spec describes the resource a tenant requested
type Spec struct {
	Name        string            `json:"name"`
	Region      string            `json:"region"`
	OS          string            `json:"os"`
	MachineType string            `json:"machine_type"`
	CPU         int               `json:"cpu"`
	RAM         int               `json:"ram"`
	DiskSize    int               `json:"disk_size"`
	Image       string            `json:"image,omitempty"`
	Ports       []int             `json:"ports,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	HostID      string            `json:"host_id,omitempty"` // marketplace path
}

// Instance is the provider-assigned resource
type Instance struct {
	ResourceRef string `json:"resource_ref"`
	IPAddress   string `json:"ip_address"`
	Status      string `json:"status"`
}

// Provisioner is the external collaborator that creates and deletes the
// actual machines. Delete must be retryable: deleting an already-deleted
// resource reports ErrInstanceNotFound, which callers treat as success.
type Provisioner interface {
	Create(ctx context.Context, spec Spec) (*Instance, error)
	Delete(ctx context.Context, resourceRef string) error
	Status(ctx context.Context, resourceRef string) (string, error)
}
