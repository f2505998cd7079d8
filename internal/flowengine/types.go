package flowengine

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ActivationStatus represents the lifecycle state of an activation.
type ActivationStatus string

const (
	StatusPending            ActivationStatus = "PENDING"
	StatusInProgress         ActivationStatus = "IN_PROGRESS"
	StatusCompleted          ActivationStatus = "COMPLETED"
	StatusFailed             ActivationStatus = "FAILED"
	StatusRollbackInProgress ActivationStatus = "ROLLBACK_IN_PROGRESS"
	StatusRollbackCompleted  ActivationStatus = "ROLLBACK_COMPLETED"
	StatusRollbackFailed     ActivationStatus = "ROLLBACK_FAILED"
)

// IsTerminal returns true if no further automatic transition can occur.
func (s ActivationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRollbackCompleted, StatusRollbackFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known activation statuses.
func (s ActivationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed,
		StatusRollbackInProgress, StatusRollbackCompleted, StatusRollbackFailed:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single activation step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// LogLevel is the severity of an audit log entry.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// StepKind names a built-in step. Step rows carry the kind as their name.
type StepKind string

const (
	StepVerifyPayment        StepKind = "verify_payment"
	StepCreateRadiusAccount  StepKind = "create_radius_account"
	StepConfigureNAS         StepKind = "configure_nas"
	StepProvisionService     StepKind = "provision_service"
	StepUpdateCustomerStatus StepKind = "update_customer_status"
	StepNotifyCustomer       StepKind = "notify_customer"
)

// BuiltinStepKinds lists the built-in kinds in default execution order.
var BuiltinStepKinds = []StepKind{
	StepVerifyPayment,
	StepCreateRadiusAccount,
	StepConfigureNAS,
	StepProvisionService,
	StepUpdateCustomerStatus,
	StepNotifyCustomer,
}

// Metadata is the key-value payload threaded through every step handler.
// It is stored as a JSON document.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}
	*m = out
	return nil
}

// Clone returns a shallow copy of the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the value stored under key as a string, if any.
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the value stored under key as an int64. JSON numbers decode
// as float64, so both representations are accepted.
func (m Metadata) Int64(key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Activation is the aggregate root for one service-provisioning attempt.
type Activation struct {
	ID                   string           `json:"id" db:"id"`
	CustomerID           int64            `json:"customer_id" db:"customer_id"`
	ServiceID            int64            `json:"service_id" db:"service_id"`
	TariffID             int64            `json:"tariff_id" db:"tariff_id"`
	Status               ActivationStatus `json:"status" db:"status"`
	Metadata             Metadata         `json:"metadata" db:"metadata"`
	PrerequisitesChecked bool             `json:"prerequisites_checked" db:"prerequisites_checked"`
	PaymentVerified      bool             `json:"payment_verified" db:"payment_verified"`
	LockedBy             *string          `json:"-" db:"locked_by"`
	LockedUntil          *time.Time       `json:"-" db:"locked_until"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// ActivationStep is one unit of work within an activation's plan.
type ActivationStep struct {
	ID              string     `json:"id" db:"id"`
	ActivationID    string     `json:"activation_id" db:"activation_id"`
	Name            string     `json:"step_name" db:"step_name"`
	OrderIndex      int        `json:"order_index" db:"order_index"`
	Description     string     `json:"description" db:"description"`
	Status          StepStatus `json:"status" db:"status"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	MaxRetries      int        `json:"max_retries" db:"max_retries"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	IsRollbackStep  bool       `json:"is_rollback_step" db:"is_rollback_step"`
	DependsOnStepID *string    `json:"depends_on_step_id,omitempty" db:"depends_on_step_id"`
}

// ActivationLog is one append-only audit trail entry.
type ActivationLog struct {
	ID           int64     `json:"id" db:"id"`
	ActivationID string    `json:"activation_id" db:"activation_id"`
	StepID       *string   `json:"step_id,omitempty" db:"step_id"`
	Level        LogLevel  `json:"level" db:"level"`
	Message      string    `json:"message" db:"message"`
	Details      Metadata  `json:"details,omitempty" db:"details"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// PrerequisiteCheckResult is the outcome of an eligibility gate.
type PrerequisiteCheckResult struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}
