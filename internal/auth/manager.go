// Package auth はセッションクッキーによる所有者の識別を提供します。
// ログインはなく、初回のリクエストで匿名の所有者 ID を発行します。
package auth

import (
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	SessionCookieName = "epubpdf_session"
	sessionKeyOwner   = "owner_id"
	sessionKeyIssued  = "issued_at"
)

var maxSessionLifetime = 365 * 24 * time.Hour

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextOwnerKey は、ハンドラー間で所有者 ID を共有するためのキーです。
const ContextOwnerKey = "auth.owner"

// Manager は所有者 ID の発行と解決を行います。
type Manager struct {
	newID func() string
	now   func() time.Time
}

// NewManager は所有者マネージャーを作成します。
func NewManager() *Manager {
	return &Manager{
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// resolve はセッションから所有者 ID を読み出し、無ければ発行して保存します。
func (m *Manager) resolve(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if owner, ok := session.Get(sessionKeyOwner).(string); ok && validOwnerID(owner) {
		return owner, nil
	}

	owner := m.newID()
	session.Set(sessionKeyOwner, owner)
	session.Set(sessionKeyIssued, m.now().Unix())
	if err := session.Save(); err != nil {
		return "", err
	}
	return owner, nil
}

// OwnerID は RequireOwner が設定した所有者 ID を返します。
func OwnerID(c *gin.Context) string {
	return c.GetString(ContextOwnerKey)
}

func validOwnerID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil
}
