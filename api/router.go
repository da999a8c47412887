package api

import (
	"net/http"
	"strconv"
	"time"

	"relaychat/module/chat/store"
	"relaychat/service/user"
	"relaychat/tools/errs"
	"relaychat/tools/security"

	"github.com/gin-gonic/gin"
)

// Deps is everything the HTTP surface needs from the rest of the
// process.
type Deps struct {
	Store    store.Store
	Users    *user.Users
	Resolver user.Resolver
	JWT      security.Options
	// HandleWS mounts the websocket endpoint when set.
	HandleWS gin.HandlerFunc
}

// NewRouter builds the gin engine with the public and authenticated
// route groups.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UnixMilli()})
	})
	r.POST("/auth/token", issueToken(d))

	auth := r.Group("/", Auth(d.Resolver))
	auth.GET("/conversations/:id/messages", getMessages(d))
	auth.POST("/conversations", createGroup(d))
	auth.POST("/conversations/:id/members", addMember(d))
	if d.HandleWS != nil {
		r.GET("/ws", d.HandleWS)
	}
	return r
}

func respErr(c *gin.Context, err error) {
	code := errs.Code(err)
	status := code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"code": code, "msg": err.Error()})
}

func respOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// issueToken mints a JWT for a user id, creating the user row when it
// does not exist yet. Development bootstrap, fronted by a gateway that
// does real login in production.
func issueToken(d Deps) gin.HandlerFunc {
	type req struct {
		UserID   string `json:"userId" binding:"required"`
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
	}
	return func(c *gin.Context) {
		var in req
		if err := c.ShouldBindJSON(&in); err != nil {
			respErr(c, errs.ErrInvalidInput.WrapMsg(err.Error()))
			return
		}
		if d.Users != nil {
			if err := d.Users.Ensure(c.Request.Context(), in.UserID, in.Nickname, in.Email); err != nil {
				respErr(c, err)
				return
			}
		}
		token, expireAt, err := security.Generate(d.JWT, in.UserID, in.Email, nil)
		if err != nil {
			respErr(c, errs.WrapMsg(err, "sign token"))
			return
		}
		respOK(c, gin.H{"token": token, "expireAt": expireAt.UnixMilli()})
	}
}

func getMessages(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		page, err := d.Store.GetPage(c.Request.Context(), authedUser(c), c.Param("id"), store.PageReq{
			Cursor:    c.Query("cursor"),
			Limit:     limit,
			Direction: c.Query("direction"),
		})
		if err != nil {
			respErr(c, err)
			return
		}
		respOK(c, gin.H{
			"items":      page.Items,
			"nextCursor": page.NextCursor,
			"hasMore":    page.HasMore,
		})
	}
}

func createGroup(d Deps) gin.HandlerFunc {
	type req struct {
		Name string `json:"name" binding:"required"`
	}
	return func(c *gin.Context) {
		var in req
		if err := c.ShouldBindJSON(&in); err != nil {
			respErr(c, errs.ErrInvalidInput.WrapMsg(err.Error()))
			return
		}
		conv, err := d.Store.CreateGroup(c.Request.Context(), authedUser(c), in.Name)
		if err != nil {
			respErr(c, err)
			return
		}
		respOK(c, conv)
	}
}

func addMember(d Deps) gin.HandlerFunc {
	type req struct {
		UserID string `json:"userId" binding:"required"`
	}
	return func(c *gin.Context) {
		var in req
		if err := c.ShouldBindJSON(&in); err != nil {
			respErr(c, errs.ErrInvalidInput.WrapMsg(err.Error()))
			return
		}
		m, err := d.Store.AddMember(c.Request.Context(), authedUser(c), c.Param("id"), in.UserID)
		if err != nil {
			respErr(c, err)
			return
		}
		respOK(c, m)
	}
}
