package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"plotLines/backend/internal/auth"
	"plotLines/backend/internal/collab"
	"plotLines/backend/internal/httpapi/handlers"
	"plotLines/backend/internal/httpapi/middleware"
	"plotLines/backend/internal/ws"
)

type RouterDeps struct {
	Service      collab.Service
	WS           *ws.Manager
	Signer       *auth.Signer
	AllowOrigins []string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(deps.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = deps.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	docs := handlers.NewDocumentHandler(deps.Service)
	authed := r.Group("/", middleware.AuthMiddleware(deps.Signer))
	{
		authed.POST("/documents", docs.CreateDocument)
		authed.GET("/documents/:id", docs.GetDocument)
		authed.GET("/documents/:id/steps", docs.GetStepsSince)
		authed.POST("/documents/:id/snapshots", docs.CreateSnapshot)
		authed.POST("/documents/:id/save", docs.SaveDocument)
		authed.GET("/collab/ws", deps.WS.WebSocketConnect)
	}
	return r
}
