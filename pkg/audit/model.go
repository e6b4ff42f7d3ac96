package audit

import "time"

// Session 一次连接的审计记录
type Session struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnID         string     `gorm:"size:64;uniqueIndex" json:"connId"`
	Subject        string     `gorm:"size:128;index" json:"subject"`
	RemoteAddr     string     `gorm:"size:128" json:"remoteAddr"`
	ConnectedAt    time.Time  `gorm:"index" json:"connectedAt"`
	DisconnectedAt *time.Time `gorm:"index" json:"disconnectedAt,omitempty"`
	Rooms          []string   `gorm:"serializer:json;type:text" json:"rooms"`
	Reason         string     `gorm:"size:64" json:"reason"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 表名，可通过 Config.TablePrefix 加前缀
func (Session) TableName() string {
	return "sessions"
}

// Open 连接是否仍未断开
func (s *Session) Open() bool {
	return s.DisconnectedAt == nil
}

// Duration 连接时长，未断开时按当前时间计算
func (s *Session) Duration() time.Duration {
	if s.DisconnectedAt == nil {
		return time.Since(s.ConnectedAt)
	}
	return s.DisconnectedAt.Sub(s.ConnectedAt)
}
