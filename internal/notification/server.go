package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/docnotify/pkg/event"
	"github.com/nao1215/docnotify/pkg/middleware"
)

// EventAppender はイベントログへの追記を提供する。
type EventAppender interface {
	AppendEvent(ctx context.Context, e *event.Event) error
}

// ServerConfig は通知APIサーバーの設定。
type ServerConfig struct {
	// Port はサーバーのリッスンポート。
	Port string
	// JWTSecret はJWTの検証に使うシークレット。Authを指定した場合は使わない。
	JWTSecret string
	// Auth は認証ミドルウェア。nilの場合はJWTSecretによるJWT認証。
	Auth gin.HandlerFunc
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Gatherer は/metricsで公開するメトリクス。nilの場合は/metricsを公開しない。
	Gatherer prometheus.Gatherer
	// Logger はログ出力先。nilの場合は slog.Default() を使う。
	Logger *slog.Logger
	// Now は現在時刻を返す。nilの場合は time.Now().UTC()。
	Now func() time.Time
}

// Server は通知の一覧・既読管理とイベント追記のHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知の保存先。
	store NotificationStore
	// events はイベントログ。
	events EventAppender
	// logger はログ出力先。
	logger *slog.Logger
	// now は既読日時に使う現在時刻。
	now func() time.Time
}

// NewServer は新しい通知APIサーバーを生成する。
func NewServer(store NotificationStore, events EventAppender, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		port:   cfg.Port,
		store:  store,
		events: events,
		logger: logger,
		now:    now,
	}

	auth := cfg.Auth
	if auth == nil {
		auth = middleware.JWTAuth(cfg.JWTSecret)
	}
	s.setupRoutes(auth, cfg.Gatherer)

	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("通知APIを起動します", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("通知APIを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(auth gin.HandlerFunc, gatherer prometheus.Gatherer) {
	api := s.router.Group("/api/v1")
	api.Use(auth)
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 連続する同一イベントごとにまとめた通知一覧
			notifications.GET("/groups", s.handleListGroups())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// イベント追記（内部API - 文書サービスから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/events", s.handleAppendEvent())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "docnotify"})
	})

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// requireUserID は認証済みユーザーIDを返す。取得できなければ401を返してfalseを返す。
func requireUserID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// handleList は認証済みユーザーの通知一覧を古い順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		notifications, err := s.store.ListNotifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知一覧取得エラー", "user_id", userID, "error", err)
			return
		}

		c.JSON(http.StatusOK, nonNil(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を古い順に返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		notifications, err := s.store.ListUnreadNotifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			s.logger.Error("未読通知一覧取得エラー", "user_id", userID, "error", err)
			return
		}

		c.JSON(http.StatusOK, nonNil(notifications))
	}
}

// handleListGroups は認証済みユーザーの通知をグループにまとめて返すハンドラ。
func (s *Server) handleListGroups() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		notifications, err := s.store.ListNotifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知グループ取得エラー", "user_id", userID, "error", err)
			return
		}

		c.JSON(http.StatusOK, GroupNotifications(notifications))
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		notificationID := c.Param("id")
		if notificationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが必要です"})
			return
		}

		// 通知の存在確認と所有者チェック
		n, err := s.store.GetNotificationByID(c.Request.Context(), notificationID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			s.logger.Error("通知取得エラー", "notification_id", notificationID, "error", err)
			return
		}

		if n.NotifiedUserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), notificationID, s.now()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error("通知既読処理エラー", "notification_id", notificationID, "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		if err := s.store.MarkAllAsRead(c.Request.Context(), userID, s.now()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.Error("全通知既読処理エラー", "user_id", userID, "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました"})
	}
}

// appendEventRequest はイベント追記リクエストのJSON構造。
type appendEventRequest struct {
	// Type はイベントの種類。
	Type string `json:"type" binding:"required"`
	// Params はイベント種別ごとのペイロード。
	Params json.RawMessage `json:"params" binding:"required"`
}

// handleAppendEvent はイベントを検証してイベントログに追記するハンドラ。
// 通知はスケジューラがイベントを処理したときに作成される。
func (s *Server) handleAppendEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ev, err := event.New(event.Type(req.Type), req.Params)
		if errors.Is(err, event.ErrUnknownType) || errors.Is(err, event.ErrInvalidParams) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.events.AppendEvent(c.Request.Context(), ev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの追記に失敗しました"})
			s.logger.Error("イベント追記エラー", "event_type", req.Type, "error", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      ev.ID,
			"message": "イベントを追記しました",
		})
	}
}

// nonNil はnilのスライスを空のスライスに置き換える。JSONでnullではなく[]を返すため。
func nonNil(notifications []Notification) []Notification {
	if notifications == nil {
		return []Notification{}
	}
	return notifications
}
