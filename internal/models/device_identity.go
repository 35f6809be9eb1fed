package models

// DeviceIdentity is the stable per-installation attribution tag.
type DeviceIdentity struct {
	ID        string `db:"id" json:"id"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for DeviceIdentity.
func (DeviceIdentity) TableName() string {
	return "device_identity"
}
