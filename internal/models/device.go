package models

// DeviceInfo identifies the device behind a connection.
type DeviceInfo struct {
	Username  string `json:"username"`
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
}

// DeviceSelector addresses devices by session, device or username.
// Every non-empty field must match.
type DeviceSelector struct {
	SessionID string `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	DeviceID  string `json:"deviceId,omitempty" yaml:"device_id,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
}

// IsEmpty reports whether the selector addresses nothing.
func (s *DeviceSelector) IsEmpty() bool {
	return s == nil || (s.SessionID == "" && s.DeviceID == "" && s.Username == "")
}

// Matches reports whether the device is addressed by the selector.
// An empty selector matches nothing.
func (s *DeviceSelector) Matches(d DeviceInfo) bool {
	if s.IsEmpty() {
		return false
	}
	if s.SessionID != "" && s.SessionID != d.SessionID {
		return false
	}
	if s.DeviceID != "" && s.DeviceID != d.DeviceID {
		return false
	}
	if s.Username != "" && s.Username != d.Username {
		return false
	}
	return true
}
