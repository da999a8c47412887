package api

import (
	"net/http"
	"strings"

	"relaychat/service/user"
	"relaychat/tools/errs"

	"github.com/gin-gonic/gin"
)

const (
	CtxUserIDKey = "authUserId"
	CtxEmailKey  = "authEmail"
)

// Auth resolves the bearer token and stashes the identity in the gin
// context for the handlers behind it.
func Auth(resolver user.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
		ident, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.Code(err),
				"msg":  "unauthorized",
			})
			return
		}
		c.Set(CtxUserIDKey, ident.UserID)
		c.Set(CtxEmailKey, ident.Email)
		c.Next()
	}
}

func authedUser(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
