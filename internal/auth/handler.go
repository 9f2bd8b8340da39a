package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Session は GET /api/session のハンドラーです。呼び出し元の所有者 ID を返します。
func (m *Manager) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ownerId": OwnerID(c)})
}
