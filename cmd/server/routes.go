package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/internal/middleware"
	"github.com/huangang/taskboard/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.MaxMultipartMemory = 8 << 20
	r.Use(middleware.CORS())

	loginLimiter := middleware.NewRateLimiter(1, 5)
	apiLimiter := middleware.NewRateLimiter(20, 40)

	// Health check
	r.GET("/health", svc.healthHandler.CheckHealth)

	api := r.Group("/api")
	{
		// Auth routes (public)
		auth := api.Group("/auth")
		{
			auth.POST("/login", loginLimiter.Middleware(), svc.authHandler.Login)
		}

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired(svc.authService), apiLimiter.Middleware(), middleware.AuditLog())
		{
			// Auth
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)
			protected.PUT("/auth/password", svc.authHandler.ChangePassword)
			protected.POST("/auth/logout", svc.authHandler.Logout)

			// Projects
			h := svc.projectHandler
			protected.GET("/projects", h.List)
			protected.POST("/projects", h.Create)
			protected.GET("/projects/:id", h.GetByID)
			protected.PUT("/projects/:id", h.Update)
			protected.DELETE("/projects/:id", h.Delete)
			protected.POST("/projects/:id/archive", h.Archive)
			protected.DELETE("/projects/:id/archive", h.Unarchive)

			// Members
			m := svc.memberHandler
			protected.GET("/projects/:id/members", m.List)
			protected.POST("/projects/:id/members", m.Add)
			protected.DELETE("/projects/:id/members/:memberId", m.Remove)
			protected.PUT("/projects/:id/members/:memberId/role", m.ChangeRole)

			// Tasks
			t := svc.taskHandler
			protected.GET("/projects/:id/tasks", t.List)
			protected.POST("/projects/:id/tasks", t.Create)
			protected.GET("/tasks/:id", t.GetByID)
			protected.PUT("/tasks/:id", t.Update)
			protected.DELETE("/tasks/:id", t.Delete)
			protected.PUT("/tasks/:id/assignee", t.Assign)
			protected.POST("/tasks/:id/transition", t.Transition)
			protected.GET("/tasks/:id/comments", t.ListComments)
			protected.POST("/tasks/:id/comments", t.AddComment)
			protected.GET("/tasks/:id/attachments", t.ListAttachments)
			protected.POST("/tasks/:id/attachments", t.AddAttachment)
			protected.GET("/attachments/:id", t.DownloadAttachment)

			// Notifications
			n := svc.notificationHandler
			protected.GET("/notifications", n.List)
			protected.GET("/notifications/unread-count", n.UnreadCount)
			protected.POST("/notifications/read", n.MarkRead)
			protected.POST("/notifications/read-all", n.MarkAllRead)
			protected.DELETE("/notifications", n.Delete)

			// Digest
			protected.POST("/digest/run", svc.digestHandler.Run)

			// Users
			u := svc.userHandler
			protected.GET("/users", u.Search)
			protected.POST("/users", u.Create)
			protected.GET("/users/:id", u.GetByID)
			protected.POST("/users/:id/ban", u.Ban)
			protected.DELETE("/users/:id/ban", u.Unban)
			protected.PUT("/users/:id/role", u.ChangeRole)

			// System Logs
			protected.GET("/system-logs", svc.systemLogHandler.List)
		}
	}
}
