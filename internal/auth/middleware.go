package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireOwner は所有者 ID を解決してコンテキストに設定するミドルウェアを返します。
// sessions.Sessions ミドルウェアの後に登録してください。
func (m *Manager) RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := m.resolve(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "SESSION_SAVE_FAILED",
				"message": "セッションの保存に失敗しました",
			})
			return
		}
		c.Set(ContextOwnerKey, owner)
		c.Next()
	}
}
