package domain

// AuditAction は監査対象の操作種別。
type AuditAction string

const (
	AuditActionKeyCreated          AuditAction = "KEY_CREATED"
	AuditActionKeyActivated        AuditAction = "KEY_ACTIVATED"
	AuditActionDeletionScheduled   AuditAction = "KEY_DELETION_SCHEDULED"
	AuditActionKeyDeleted          AuditAction = "KEY_DELETED"
	AuditActionDecryptionFailed    AuditAction = "DECRYPTION_FAILED"
	AuditActionReEncryptionFailed  AuditAction = "REENCRYPTION_FAILED"
	AuditActionActivationFailed    AuditAction = "KEY_ACTIVATION_FAILED"
	AuditActionRotationInitiateErr AuditAction = "KEY_ROTATION_FAILED"
)

// AuditEntry は監査サービスへ渡す一件の記録。
type AuditEntry struct {
	Action         AuditAction
	KeyVersion     int
	RotationReason string
	AuditInfo      string
	Success        bool
	Error          string
}
