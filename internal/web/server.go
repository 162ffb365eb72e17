// Package web gin server
package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Laisky/telegram-filescan/internal/bot"
	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/intake"
	"github.com/Laisky/telegram-filescan/library/log"
)

// LinkResolver serves file links of the bots hosted by this process.
type LinkResolver interface {
	ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error)
}

// PolicyStore stores chat extension policies.
type PolicyStore interface {
	SetPolicy(ctx context.Context, tenantID string, chatID int64, policy scan.ExtensionPolicy) error
}

// Option configures a Server.
type Option func(*Server)

// WithIntake serves the scan-request fallback.
func WithIntake(in *intake.Intake) Option {
	return func(s *Server) {
		s.intake = in
	}
}

// WithLinks serves the file-link route of a bot host.
func WithLinks(links LinkResolver) Option {
	return func(s *Server) {
		s.links = links
	}
}

// WithPolicies serves the chat policy route of a scanner.
func WithPolicies(policies PolicyStore) Option {
	return func(s *Server) {
		s.policies = policies
	}
}

// WithLogger overrides the server logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server is the internal HTTP surface of a scanner or bot host process.
type Server struct {
	addr   string
	token  string
	logger logSDK.Logger
	intake   *intake.Intake
	links    LinkResolver
	policies PolicyStore
	engine   *gin.Engine
}

// NewServer builds the gin engine. Internal routes require token in the
// internal-token header. With an empty token the scan-request route is open
// while the file-link and policy routes refuse every request.
func NewServer(addr, token string, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		token:  token,
		logger: log.Logger.Named("web"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLogger(s.logger.Named("gin")),
		),
	)

	s.engine.Any("/health", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "hello, world")
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.intake != nil {
		s.engine.POST(intake.ScanRequestPath, requireToken(token, true), s.intake.HTTPHandler)
	}

	guarded := s.engine.Group("/", requireToken(token, false))
	if s.links != nil {
		guarded.GET("/internal/bots/:tenant/files/link", s.fileLink)
	}
	if s.policies != nil {
		guarded.PUT(PolicyPath(":tenant", ":chat"), s.setPolicy)
	}

	return s
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on http", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server exit")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}

	return nil
}

// PolicyPath is the route storing a chat's extension policy.
func PolicyPath(tenantID, chatID string) string {
	return "/internal/policies/" + tenantID + "/chats/" + chatID
}

func requireToken(token string, openWhenUnset bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if token == "" {
			if openWhenUnset {
				ctx.Next()
				return
			}
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal token not configured"})
			return
		}

		got := ctx.GetHeader(scan.InternalTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal token"})
			return
		}

		ctx.Next()
	}
}

func (s *Server) fileLink(ctx *gin.Context) {
	logger := gmw.GetLogger(ctx).Named("file_link")
	tenantID := ctx.Param("tenant")
	fileHandle := ctx.Query("file_id")
	if fileHandle == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "file_id is required"})
		return
	}

	link, err := s.links.ResolveLink(ctx.Request.Context(), tenantID, fileHandle)
	switch {
	case errors.Is(err, bot.ErrBotNotRunning):
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Warn("resolve file link", zap.String("tenant", tenantID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, gin.H{"error": "resolve file link"})
		return
	}

	ctx.JSON(http.StatusOK, link)
}

func (s *Server) setPolicy(ctx *gin.Context) {
	logger := gmw.GetLogger(ctx).Named("set_policy")
	tenantID := ctx.Param("tenant")
	chatID, err := strconv.ParseInt(ctx.Param("chat"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "chat must be an integer"})
		return
	}

	policy := scan.ExtensionPolicy{}
	if err = ctx.ShouldBindJSON(&policy); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy"})
		return
	}
	for i, ext := range policy.Extensions {
		policy.Extensions[i] = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if policy.Extensions[i] == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "empty extension"})
			return
		}
	}

	if err = s.policies.SetPolicy(ctx.Request.Context(), tenantID, chatID, policy); err != nil {
		logger.Error("store chat policy", zap.String("tenant", tenantID), zap.Int64("chat", chatID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "store chat policy"})
		return
	}

	logger.Info("chat policy updated",
		zap.String("tenant", tenantID),
		zap.Int64("chat", chatID),
		zap.Bool("accept_mode", policy.AcceptMode),
		zap.Strings("extensions", policy.Extensions))
	ctx.JSON(http.StatusOK, policy)
}
