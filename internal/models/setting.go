package models

// Setting is one key/value pair in the on-device settings table.
type Setting struct {
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Setting.
func (Setting) TableName() string {
	return "settings"
}

// Well-known setting keys.
const (
	SettingDeviceID       = "device_id"
	SettingRemoteToken    = "remote_token"
	SettingLastPassAt     = "last_pass_at"
	SettingLastPassResult = "last_pass_result"
)
