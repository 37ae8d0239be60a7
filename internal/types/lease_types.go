package types

import "time"

// PaymentMode determines how a lease is funded
type PaymentMode string

const (
	PaymentModeDuration PaymentMode = "DURATION" // fixed upfront duration
	PaymentModeEscrow   PaymentMode = "ESCROW"   // refillable escrow balance
)

// LeaseStatus is the lifecycle state of a lease
type LeaseStatus string

const (
	LeaseStatusStarting    LeaseStatus = "STARTING"
	LeaseStatusRunning     LeaseStatus = "RUNNING"
	LeaseStatusTerminating LeaseStatus = "TERMINATING"
	LeaseStatusDeleted     LeaseStatus = "DELETED"
)

// TerminateReason describes why a lease is being torn down
type TerminateReason string

const (
	TerminateReasonExpired     TerminateReason = "EXPIRED"
	TerminateReasonUserRequest TerminateReason = "USER_REQUEST"
	TerminateReasonForce       TerminateReason = "FORCE"
)

// Lease is a time-bounded grant of a compute resource to a tenant.
// EndTime is the authoritative expiry instant; PendingJobID is the handle of
// the currently scheduled expiry job. The two are always updated together.
type Lease struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	ResourceRef   string      `json:"resource_ref"`
	HostID        string      `json:"host_id,omitempty"`        // set on the marketplace path
	OwnerIdentity string      `json:"owner_identity,omitempty"` // host owner wallet, marketplace path
	PaymentMode   PaymentMode `json:"payment_mode"`
	Balance       uint64      `json:"balance"`       // lamports held in escrow
	PriceAccrued  uint64      `json:"price_accrued"` // lamports accrued so far
	Region        string      `json:"region,omitempty"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       time.Time   `json:"end_time"`
	Status        LeaseStatus `json:"status"`
	PendingJobID  string      `json:"pending_job_id,omitempty"`
	TeardownTries int         `json:"teardown_tries,omitempty"`
	Settled       bool        `json:"settled"`
	HostCredited  bool        `json:"host_credited,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HostMachine is an independently owned machine offered on the capacity
// marketplace. Occupied is toggled exclusively by the allocator under a
// compare-and-set; a host with Active=false or Penalized=true is never
// returned as a match candidate.
type HostMachine struct {
	ID            string    `json:"id"`
	OwnerKey      string    `json:"owner_key"` // owner wallet public key
	MachineType   string    `json:"machine_type"`
	OS            string    `json:"os"`
	CPU           int       `json:"cpu"`
	RAM           int       `json:"ram"`
	DiskSize      int       `json:"disk_size"`
	Region        string    `json:"region"`
	IPAddress     string    `json:"ip_address"`
	Verified      bool      `json:"verified"`
	Active        bool      `json:"active"`
	Occupied      bool      `json:"occupied"`
	Penalized     bool      `json:"penalized"`
	PerHourPrice  uint64    `json:"per_hour_price"` // lamports
	EarnedBalance uint64    `json:"earned_balance"` // claimable lamports
	AccessKeyHash string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Requirements is the capacity a tenant requests from the marketplace
type Requirements struct {
	CPU      int `json:"cpu"`
	RAM      int `json:"ram"`
	DiskSize int `json:"disk_size"`
}

// ExpiryJobPayload is carried by delayed expiry jobs. JobID is compared
// against the lease's current PendingJobID before acting; a mismatch means
// the job was superseded by a top-up and must be discarded.
type ExpiryJobPayload struct {
	LeaseID       string `json:"lease_id"`
	JobID         string `json:"job_id"`
	ResourceRef   string `json:"resource_ref"`
	OwnerIdentity string `json:"owner_identity"`
}
